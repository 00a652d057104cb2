package services

import (
	"context"
	"time"

	"relicwatch/models"
	"relicwatch/storage"
)

var (
	ErrAlertNotFound        = storage.ErrAlertNotFound
	ErrDuplicateActiveAlert = storage.ErrDuplicateActiveAlert
)

// Store is the persistence collaborator of the pipeline.
type Store interface {
	// SaveBatch persists readings and returns how many rows were written.
	SaveBatch(ctx context.Context, readings []models.SensorReading) (int, error)

	SaveAlert(ctx context.Context, event *models.AlertEvent) error
	// FindActiveAlert returns nil, nil when the key has no active alert.
	FindActiveAlert(ctx context.Context, sensorID, alertType string) (*models.AlertEvent, error)
	// GetAlert returns ErrAlertNotFound when the id does not exist.
	GetAlert(ctx context.Context, alertID string) (*models.AlertEvent, error)
	UpdateAlert(ctx context.Context, event *models.AlertEvent) error
	UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, resolvedAt *time.Time) (bool, error)

	// AggregateReadings summarizes raw readings in [from, to) grouped by
	// sensor id and type. Returned buckets carry no Period or BucketStart.
	AggregateReadings(ctx context.Context, from, to time.Time) ([]models.AggregationBucket, error)
	InsertHourlyBucket(ctx context.Context, bucket models.AggregationBucket) error
	InsertDailyBucket(ctx context.Context, bucket models.AggregationBucket) error
	// RollupWatermark returns the persisted end of the contiguous run of
	// rolled-up hours, or the zero time when none was saved.
	RollupWatermark(ctx context.Context) (time.Time, error)
	SaveRollupWatermark(ctx context.Context, watermark time.Time) error
	// OldestReading returns the timestamp of the oldest raw reading, or the
	// zero time when there are none.
	OldestReading(ctx context.Context) (time.Time, error)
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
