package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relicwatch/config"
	"relicwatch/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AggregationScheduler rolls raw readings into hourly and daily buckets and
// purges raw readings past the retention window.
type AggregationScheduler struct {
	store           Store
	loc             *time.Location
	retentionMonths int
	jobTimeout      time.Duration
	hourlySpec      string
	dailySpec       string
	purgeSpec       string
	logger          *zap.Logger
	now             func() time.Time

	mu     sync.Mutex
	seeded bool
	// watermark is the end of the contiguous run of rolled-up hours; raw
	// readings before it are covered by hourly buckets.
	watermark time.Time
}

// maxCatchUpHours bounds how many missed hours one hourly run rolls up.
const maxCatchUpHours = 7 * 24

// NewAggregationScheduler validates the schedules and time zone in cfg.
func NewAggregationScheduler(cfg *config.Config, store Store, logger *zap.Logger) (*AggregationScheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	for _, spec := range []string{cfg.HourlyCron, cfg.DailyCron, cfg.RetentionPurgeCron} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
		}
	}
	if cfg.RetentionMonths <= 0 {
		return nil, fmt.Errorf("retention months must be positive, got %d", cfg.RetentionMonths)
	}

	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &AggregationScheduler{
		store:           store,
		loc:             loc,
		retentionMonths: cfg.RetentionMonths,
		jobTimeout:      timeout,
		hourlySpec:      cfg.HourlyCron,
		dailySpec:       cfg.DailyCron,
		purgeSpec:       cfg.RetentionPurgeCron,
		logger:          logger,
		now:             time.Now,
	}, nil
}

// Seed loads the persisted rollup watermark. Without one, rolling starts at
// the hour of the oldest stored raw reading.
func (s *AggregationScheduler) Seed(ctx context.Context) error {
	watermark, err := s.store.RollupWatermark(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rollup watermark: %w", err)
	}
	if watermark.IsZero() {
		oldest, err := s.store.OldestReading(ctx)
		if err != nil {
			return fmt.Errorf("failed to load oldest reading: %w", err)
		}
		if !oldest.IsZero() {
			watermark = s.truncateHour(oldest)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark.After(s.watermark) {
		s.watermark = watermark
	}
	s.seeded = true
	return nil
}

// ensureSeeded seeds once, and again while the watermark is still unknown so
// readings stored after an empty start are picked up.
func (s *AggregationScheduler) ensureSeeded(ctx context.Context) error {
	s.mu.Lock()
	known := s.seeded && !s.watermark.IsZero()
	s.mu.Unlock()
	if known {
		return nil
	}
	return s.Seed(ctx)
}

// Watermark returns the end of the contiguous run of rolled-up hours, or the
// zero time when nothing is known yet.
func (s *AggregationScheduler) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// advanceWatermark moves the watermark to to when [from, to) extends the
// contiguous run. It reports whether it moved.
func (s *AggregationScheduler) advanceWatermark(from, to time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.watermark.IsZero() && from.After(s.watermark) {
		return false
	}
	if !to.After(s.watermark) {
		return false
	}
	s.watermark = to
	return true
}

func (s *AggregationScheduler) truncateHour(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, s.loc)
}

// RunHourly aggregates the hour containing hourStart. Re-running an hour
// overwrites its buckets. The watermark only moves when the hour is adjacent
// to it, so an hour that failed keeps the watermark until it is rolled up.
func (s *AggregationScheduler) RunHourly(ctx context.Context, hourStart time.Time) (int, error) {
	if err := s.ensureSeeded(ctx); err != nil {
		return 0, err
	}

	from := s.truncateHour(hourStart)
	to := from.Add(time.Hour)

	buckets, err := s.store.AggregateReadings(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate hour %s: %w", from.Format(time.RFC3339), err)
	}

	for _, b := range buckets {
		b.Period = models.PeriodHourly
		b.BucketStart = from
		if err := s.store.InsertHourlyBucket(ctx, b); err != nil {
			return 0, fmt.Errorf("failed to store hourly bucket for %s/%s: %w", b.SensorID, b.SensorType, err)
		}
	}

	if s.advanceWatermark(from, to) {
		if err := s.store.SaveRollupWatermark(ctx, to); err != nil {
			s.logger.Warn("Failed to persist rollup watermark", zap.Time("watermark", to), zap.Error(err))
		}
	}
	s.logger.Info("Hourly aggregation complete",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("buckets", len(buckets)))
	return len(buckets), nil
}

// RunPending rolls up every complete hour from the watermark to the hour
// before now, oldest first, and stops at the first failure so that hour is
// retried on the next run. With no readings stored yet only the previous hour
// runs.
func (s *AggregationScheduler) RunPending(ctx context.Context, now time.Time) (int, error) {
	if err := s.ensureSeeded(ctx); err != nil {
		return 0, err
	}

	current := s.truncateHour(now)
	next := s.Watermark()
	if next.IsZero() {
		next = current.Add(-time.Hour)
	}

	hours := 0
	for h := next; h.Before(current) && hours < maxCatchUpHours; h = h.Add(time.Hour) {
		if _, err := s.RunHourly(ctx, h); err != nil {
			return hours, err
		}
		hours++
	}
	if hours > 1 {
		s.logger.Info("Caught up missed hourly rollups",
			zap.Time("from", next),
			zap.Int("hours", hours))
	}
	return hours, nil
}

// RunDaily aggregates the calendar day containing day in the configured zone.
func (s *AggregationScheduler) RunDaily(ctx context.Context, day time.Time) (int, error) {
	t := day.In(s.loc)
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)

	buckets, err := s.store.AggregateReadings(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate day %s: %w", from.Format("2006-01-02"), err)
	}

	for _, b := range buckets {
		b.Period = models.PeriodDaily
		b.BucketStart = from
		if err := s.store.InsertDailyBucket(ctx, b); err != nil {
			return 0, fmt.Errorf("failed to store daily bucket for %s/%s: %w", b.SensorID, b.SensorType, err)
		}
	}

	s.logger.Info("Daily aggregation complete",
		zap.String("day", from.Format("2006-01-02")),
		zap.Int("buckets", len(buckets)))
	return len(buckets), nil
}

// RunPurge deletes raw readings older than the retention window. The cutoff
// never passes the rollup watermark, and nothing is deleted before the
// watermark is known.
func (s *AggregationScheduler) RunPurge(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ensureSeeded(ctx); err != nil {
		return 0, err
	}
	watermark := s.Watermark()
	if watermark.IsZero() {
		s.logger.Warn("Skipping retention purge, no hourly rollup recorded yet")
		return 0, nil
	}

	cutoff := now.In(s.loc).AddDate(0, -s.retentionMonths, 0)
	if watermark.Before(cutoff) {
		cutoff = watermark
	}

	deleted, err := s.store.DeleteReadingsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge readings before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	s.logger.Info("Retention purge complete",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// Location is the zone used for hour and day boundaries.
func (s *AggregationScheduler) Location() *time.Location {
	return s.loc
}

// Backfill re-runs rollups for every hour (and, if daily is set, every
// calendar day) overlapping [from, to). It stops at the first failure and
// returns how many periods completed.
func (s *AggregationScheduler) Backfill(ctx context.Context, from, to time.Time, daily bool) (hours, days int, err error) {
	if !from.Before(to) {
		return 0, 0, fmt.Errorf("backfill range is empty: %s >= %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	f := from.In(s.loc)
	for h := s.truncateHour(from); h.Before(to); h = h.Add(time.Hour) {
		if err := ctx.Err(); err != nil {
			return hours, days, err
		}
		if _, err := s.RunHourly(ctx, h); err != nil {
			return hours, days, err
		}
		hours++
	}

	if daily {
		for d := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, s.loc); d.Before(to); d = d.AddDate(0, 0, 1) {
			if err := ctx.Err(); err != nil {
				return hours, days, err
			}
			if _, err := s.RunDaily(ctx, d); err != nil {
				return hours, days, err
			}
			days++
		}
	}
	return hours, days, nil
}

// Serve schedules the jobs and blocks until ctx is cancelled.
func (s *AggregationScheduler) Serve(ctx context.Context) error {
	if err := s.Seed(ctx); err != nil {
		s.logger.Warn("Starting without rollup watermark", zap.Error(err))
	}

	cl := cronLogger{logger: s.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context, now time.Time) error
	}{
		{"hourly", s.hourlySpec, func(ctx context.Context, now time.Time) error {
			_, err := s.RunPending(ctx, now)
			return err
		}},
		{"daily", s.dailySpec, func(ctx context.Context, now time.Time) error {
			_, err := s.RunDaily(ctx, now.AddDate(0, 0, -1))
			return err
		}},
		{"retention_purge", s.purgeSpec, func(ctx context.Context, now time.Time) error {
			_, err := s.RunPurge(ctx, now)
			return err
		}},
	}

	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.spec, func() { s.runJob(ctx, job.name, job.run) }); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
	}

	c.Start()
	s.logger.Info("Aggregation scheduler started",
		zap.String("hourly", s.hourlySpec),
		zap.String("daily", s.dailySpec),
		zap.String("retention_purge", s.purgeSpec),
		zap.String("timezone", s.loc.String()))

	<-ctx.Done()

	select {
	case <-c.Stop().Done():
	case <-time.After(s.jobTimeout):
		s.logger.Warn("Aggregation job still running at shutdown")
	}
	return ctx.Err()
}

func (s *AggregationScheduler) runJob(parent context.Context, name string, run func(context.Context, time.Time) error) {
	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx, s.now())
	JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		JobFailures.WithLabelValues(name).Inc()
		s.logger.Error("Scheduled job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

// cronLogger routes robfig/cron logging through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
