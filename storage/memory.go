package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"relicwatch/models"
)

type bucketKey struct {
	sensorID   string
	sensorType models.SensorType
	start      int64
}

// MemoryStore keeps everything in process memory. It backs local runs without
// a database and the package tests.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []models.SensorReading
	alerts   map[string]*models.AlertEvent
	hourly   map[bucketKey]models.AggregationBucket
	daily    map[bucketKey]models.AggregationBucket
	rollup   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*models.AlertEvent),
		hourly: make(map[bucketKey]models.AggregationBucket),
		daily:  make(map[bucketKey]models.AggregationBucket),
	}
}

func (s *MemoryStore) SaveBatch(_ context.Context, readings []models.SensorReading) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
	return len(readings), nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, event *models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Status == models.AlertActive {
		for _, a := range s.alerts {
			if a.Status == models.AlertActive && a.SensorID == event.SensorID && a.AlertType == event.AlertType {
				return ErrDuplicateActiveAlert
			}
		}
	}
	s.alerts[event.ID] = event.Clone()
	return nil
}

func (s *MemoryStore) FindActiveAlert(_ context.Context, sensorID, alertType string) (*models.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.Status == models.AlertActive && a.SensorID == sensorID && a.AlertType == alertType {
			return a.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (*models.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, event *models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[event.ID]; !ok {
		return ErrAlertNotFound
	}
	s.alerts[event.ID] = event.Clone()
	return nil
}

func (s *MemoryStore) UpdateAlertStatus(_ context.Context, alertID string, status models.AlertStatus, resolvedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return false, nil
	}
	if status == models.AlertActive {
		for id, other := range s.alerts {
			if id != alertID && other.Status == models.AlertActive && other.SensorID == a.SensorID && other.AlertType == a.AlertType {
				return false, ErrDuplicateActiveAlert
			}
		}
	}

	updated := a.Clone()
	updated.Status = status
	updated.ResolvedAt = nil
	if resolvedAt != nil {
		t := *resolvedAt
		updated.ResolvedAt = &t
		updated.UpdatedAt = t
	}
	s.alerts[alertID] = updated
	return true, nil
}

func (s *MemoryStore) AggregateReadings(_ context.Context, from, to time.Time) ([]models.AggregationBucket, error) {
	s.mu.RLock()
	var window []models.SensorReading
	for _, r := range s.readings {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			window = append(window, r)
		}
	}
	s.mu.RUnlock()

	return models.Summarize(window, "", time.Time{}), nil
}

func (s *MemoryStore) InsertHourlyBucket(_ context.Context, bucket models.AggregationBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hourly[keyOf(bucket)] = bucket
	return nil
}

func (s *MemoryStore) InsertDailyBucket(_ context.Context, bucket models.AggregationBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[keyOf(bucket)] = bucket
	return nil
}

func (s *MemoryStore) RollupWatermark(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollup, nil
}

func (s *MemoryStore) SaveRollupWatermark(_ context.Context, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark.After(s.rollup) {
		s.rollup = watermark
	}
	return nil
}

func (s *MemoryStore) OldestReading(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Time
	for _, r := range s.readings {
		if oldest.IsZero() || r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
	}
	return oldest, nil
}

func (s *MemoryStore) DeleteReadingsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.readings[:0]
	var deleted int64
	for _, r := range s.readings {
		if r.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.readings = kept
	return deleted, nil
}

// Readings returns a copy of the stored raw readings.
func (s *MemoryStore) Readings() []models.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SensorReading(nil), s.readings...)
}

// Alerts returns copies of all stored alerts ordered by creation time.
func (s *MemoryStore) Alerts() []*models.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AlertEvent, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HourlyBuckets returns the stored hourly buckets ordered by key.
func (s *MemoryStore) HourlyBuckets() []models.AggregationBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedBuckets(s.hourly)
}

// DailyBuckets returns the stored daily buckets ordered by key.
func (s *MemoryStore) DailyBuckets() []models.AggregationBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedBuckets(s.daily)
}

func keyOf(b models.AggregationBucket) bucketKey {
	return bucketKey{sensorID: b.SensorID, sensorType: b.SensorType, start: b.BucketStart.UnixNano()}
}

func sortedBuckets(m map[bucketKey]models.AggregationBucket) []models.AggregationBucket {
	out := make([]models.AggregationBucket, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		if out[i].SensorID != out[j].SensorID {
			return out[i].SensorID < out[j].SensorID
		}
		return out[i].SensorType < out[j].SensorType
	})
	return out
}
