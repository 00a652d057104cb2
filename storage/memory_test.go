package storage

import (
	"context"
	"testing"
	"time"

	"relicwatch/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeAlert(id, sensorID string, at time.Time) *models.AlertEvent {
	return &models.AlertEvent{
		ID:         id,
		AlertType:  "temperature_alert",
		Severity:   "WARNING",
		SensorID:   sensorID,
		SensorType: models.SensorTemperature,
		Value:      27,
		Status:     models.AlertActive,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestMemoryStore_OneActiveAlertPerKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveAlert(ctx, activeAlert("a1", "s1", now)))
	assert.ErrorIs(t, store.SaveAlert(ctx, activeAlert("a2", "s1", now)), ErrDuplicateActiveAlert)
	require.NoError(t, store.SaveAlert(ctx, activeAlert("a3", "s2", now)))

	found, err := store.FindActiveAlert(ctx, "s1", "temperature_alert")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "a1", found.ID)

	resolved := now.Add(time.Minute)
	ok, err := store.UpdateAlertStatus(ctx, "a1", models.AlertResolved, &resolved)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err = store.FindActiveAlert(ctx, "s1", "temperature_alert")
	require.NoError(t, err)
	assert.Nil(t, found)

	require.NoError(t, store.SaveAlert(ctx, activeAlert("a4", "s1", resolved)))
	_, err = store.UpdateAlertStatus(ctx, "a1", models.AlertActive, nil)
	assert.ErrorIs(t, err, ErrDuplicateActiveAlert)
}

func TestMemoryStore_UpdateAlertStatusMissing(t *testing.T) {
	store := NewMemoryStore()

	ok, err := store.UpdateAlertStatus(context.Background(), "nope", models.AlertResolved, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.GetAlert(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveAlert(ctx, activeAlert("a1", "s1", time.Now())))

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	got.Value = 99

	again, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 27.0, again.Value)
}

func TestMemoryStore_AggregateAndPurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	hour := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	readings := []models.SensorReading{
		{SensorID: "s1", SensorType: models.SensorTemperature, Value: 20, Timestamp: hour.Add(-time.Minute)},
		{SensorID: "s1", SensorType: models.SensorTemperature, Value: 18, Timestamp: hour},
		{SensorID: "s1", SensorType: models.SensorTemperature, Value: 22, Timestamp: hour.Add(59 * time.Minute)},
		{SensorID: "s1", SensorType: models.SensorTemperature, Value: 40, Timestamp: hour.Add(time.Hour)},
	}
	n, err := store.SaveBatch(ctx, readings)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buckets, err := store.AggregateReadings(ctx, hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, 18.0, buckets[0].Min)
	assert.Equal(t, 22.0, buckets[0].Max)
	assert.Equal(t, 20.0, buckets[0].Avg)

	deleted, err := store.DeleteReadingsBefore(ctx, hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, store.Readings(), 3)
}

func TestMemoryStore_BucketUpsertAndWatermark(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wm, err := store.RollupWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	h1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h2 := h1.Add(time.Hour)
	b := models.AggregationBucket{Period: models.PeriodHourly, SensorID: "s1", SensorType: models.SensorGas, BucketStart: h1, Count: 1}

	require.NoError(t, store.InsertHourlyBucket(ctx, b))
	b.Count = 5
	require.NoError(t, store.InsertHourlyBucket(ctx, b))
	b.BucketStart = h2
	require.NoError(t, store.InsertHourlyBucket(ctx, b))

	hourly := store.HourlyBuckets()
	require.Len(t, hourly, 2)
	assert.Equal(t, int64(5), hourly[0].Count)

	require.NoError(t, store.SaveRollupWatermark(ctx, h2))
	require.NoError(t, store.SaveRollupWatermark(ctx, h1))
	wm, err = store.RollupWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, h2.Equal(wm), "watermark never moves back")
}

func TestMemoryStore_OldestReading(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	oldest, err := store.OldestReading(ctx)
	require.NoError(t, err)
	assert.True(t, oldest.IsZero())

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err = store.SaveBatch(ctx, []models.SensorReading{
		{SensorID: "s1", SensorType: models.SensorGas, Timestamp: t0.Add(time.Hour)},
		{SensorID: "s1", SensorType: models.SensorGas, Timestamp: t0},
	})
	require.NoError(t, err)

	oldest, err = store.OldestReading(ctx)
	require.NoError(t, err)
	assert.True(t, t0.Equal(oldest))
}
