package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relicwatch/models"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrStoreUnavailable is returned while the store circuit is open.
var ErrStoreUnavailable = errors.New("store unavailable")

// GuardedStore wraps a Store with a circuit breaker so that an unreachable
// database fails fast instead of stalling the flusher and the alert path.
// ErrAlertNotFound and ErrDuplicateActiveAlert are answers, not failures, and
// do not count towards tripping.
type GuardedStore struct {
	store  Store
	cb     *gobreaker.CircuitBreaker[interface{}]
	logger *zap.Logger
}

// NewGuardedStore opens the circuit after failureThreshold consecutive
// failures and probes again after openTimeout.
func NewGuardedStore(store Store, failureThreshold uint32, openTimeout time.Duration, logger *zap.Logger) *GuardedStore {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	g := &GuardedStore{store: store, logger: logger}
	g.cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrAlertNotFound) ||
				errors.Is(err, ErrDuplicateActiveAlert) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Store circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return g
}

// State returns the current breaker state.
func (g *GuardedStore) State() gobreaker.State {
	return g.cb.State()
}

func guard[T any](g *GuardedStore, fn func() (T, error)) (T, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return fn()
	})

	var out T
	if v != nil {
		out = v.(T)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, err
}

func guardErr(g *GuardedStore, fn func() error) error {
	_, err := guard(g, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (g *GuardedStore) SaveBatch(ctx context.Context, readings []models.SensorReading) (int, error) {
	return guard(g, func() (int, error) { return g.store.SaveBatch(ctx, readings) })
}

func (g *GuardedStore) SaveAlert(ctx context.Context, event *models.AlertEvent) error {
	return guardErr(g, func() error { return g.store.SaveAlert(ctx, event) })
}

func (g *GuardedStore) FindActiveAlert(ctx context.Context, sensorID, alertType string) (*models.AlertEvent, error) {
	return guard(g, func() (*models.AlertEvent, error) { return g.store.FindActiveAlert(ctx, sensorID, alertType) })
}

func (g *GuardedStore) GetAlert(ctx context.Context, alertID string) (*models.AlertEvent, error) {
	return guard(g, func() (*models.AlertEvent, error) { return g.store.GetAlert(ctx, alertID) })
}

func (g *GuardedStore) UpdateAlert(ctx context.Context, event *models.AlertEvent) error {
	return guardErr(g, func() error { return g.store.UpdateAlert(ctx, event) })
}

func (g *GuardedStore) UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, resolvedAt *time.Time) (bool, error) {
	return guard(g, func() (bool, error) { return g.store.UpdateAlertStatus(ctx, alertID, status, resolvedAt) })
}

func (g *GuardedStore) AggregateReadings(ctx context.Context, from, to time.Time) ([]models.AggregationBucket, error) {
	return guard(g, func() ([]models.AggregationBucket, error) { return g.store.AggregateReadings(ctx, from, to) })
}

func (g *GuardedStore) InsertHourlyBucket(ctx context.Context, bucket models.AggregationBucket) error {
	return guardErr(g, func() error { return g.store.InsertHourlyBucket(ctx, bucket) })
}

func (g *GuardedStore) InsertDailyBucket(ctx context.Context, bucket models.AggregationBucket) error {
	return guardErr(g, func() error { return g.store.InsertDailyBucket(ctx, bucket) })
}

func (g *GuardedStore) RollupWatermark(ctx context.Context) (time.Time, error) {
	return guard(g, func() (time.Time, error) { return g.store.RollupWatermark(ctx) })
}

func (g *GuardedStore) SaveRollupWatermark(ctx context.Context, watermark time.Time) error {
	return guardErr(g, func() error { return g.store.SaveRollupWatermark(ctx, watermark) })
}

func (g *GuardedStore) OldestReading(ctx context.Context) (time.Time, error) {
	return guard(g, func() (time.Time, error) { return g.store.OldestReading(ctx) })
}

func (g *GuardedStore) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return guard(g, func() (int64, error) { return g.store.DeleteReadingsBefore(ctx, cutoff) })
}
