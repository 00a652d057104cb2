package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relicwatch/models"

	"go.uber.org/zap"
)

// SensorWatchdog tracks when each sensor last reported and raises
// sensor_offline / sensor_recovered notifications on topic sensor/health.
type SensorWatchdog struct {
	timeout  time.Duration
	interval time.Duration
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	sensors map[string]*models.SensorHealth
}

// NewSensorWatchdog creates a watchdog. A sensor silent for longer than
// timeout is reported offline.
func NewSensorWatchdog(timeout time.Duration, notifier Notifier, logger *zap.Logger, now func() time.Time) *SensorWatchdog {
	if now == nil {
		now = time.Now
	}
	interval := 10 * time.Second
	if timeout > 0 && timeout/2 < interval {
		interval = timeout / 2
	}
	return &SensorWatchdog{
		timeout:  timeout,
		interval: interval,
		notifier: notifier,
		logger:   logger,
		now:      now,
		sensors:  make(map[string]*models.SensorHealth),
	}
}

// Seen records a reading from the sensor.
func (w *SensorWatchdog) Seen(reading models.SensorReading) {
	w.mu.Lock()
	defer w.mu.Unlock()

	at := reading.Timestamp
	sensor, exists := w.sensors[reading.SensorID]
	if !exists {
		sensor = &models.SensorHealth{
			SensorID: reading.SensorID,
			Status:   models.SensorReporting,
		}
		w.sensors[reading.SensorID] = sensor
		w.logger.Info("New sensor registered for health monitoring",
			zap.String("sensor_id", reading.SensorID))
	}
	if reading.LocationID != "" {
		sensor.LocationID = reading.LocationID
	}
	if reading.RelicsID != "" {
		sensor.RelicsID = reading.RelicsID
	}

	wasSilent := sensor.Status == models.SensorSilent
	if at.After(sensor.LastSeen) {
		sensor.LastSeen = at
	}
	sensor.Status = models.SensorReporting

	if wasSilent {
		downDuration := at.Sub(sensor.SilentAt)
		w.logger.Info("Sensor recovered",
			zap.String("sensor_id", sensor.SensorID),
			zap.Duration("down_duration", downDuration))

		w.notifier.Notify(models.TopicSensorHealth, models.NotificationRecord{
			Kind:       models.KindSensorRecovered,
			SensorID:   sensor.SensorID,
			LocationID: sensor.LocationID,
			RelicsID:   sensor.RelicsID,
			Message:    fmt.Sprintf("Sensor %s is reporting again after %s", sensor.SensorID, formatDuration(downDuration)),
			Timestamp:  at,
		})
	}
}

// Serve runs the periodic silence check until ctx is cancelled.
func (w *SensorWatchdog) Serve(ctx context.Context) error {
	if w.timeout <= 0 {
		w.logger.Info("Sensor watchdog disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Sensor watchdog started",
		zap.Duration("timeout", w.timeout),
		zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sensor watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			w.CheckTimeouts()
		}
	}
}

// CheckTimeouts marks sensors silent for longer than the timeout and returns
// how many changed state.
func (w *SensorWatchdog) CheckTimeouts() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	changed := 0
	for sensorID, sensor := range w.sensors {
		if sensor.Status == models.SensorSilent {
			continue
		}

		sinceLastSeen := now.Sub(sensor.LastSeen)
		if sinceLastSeen <= w.timeout {
			continue
		}

		w.logger.Warn("Sensor silence detected",
			zap.String("sensor_id", sensorID),
			zap.Time("last_seen", sensor.LastSeen),
			zap.Duration("time_since_last_seen", sinceLastSeen))

		sensor.Status = models.SensorSilent
		sensor.SilentAt = now
		changed++

		w.notifier.Notify(models.TopicSensorHealth, models.NotificationRecord{
			Kind:       models.KindSensorOffline,
			SensorID:   sensorID,
			LocationID: sensor.LocationID,
			RelicsID:   sensor.RelicsID,
			Message:    fmt.Sprintf("Sensor %s has not reported for %s", sensorID, formatDuration(sinceLastSeen)),
			Timestamp:  now,
		})
	}
	return changed
}

// SensorHealth returns a copy of the tracked state of a sensor.
func (w *SensorWatchdog) SensorHealth(sensorID string) (models.SensorHealth, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	sensor, exists := w.sensors[sensorID]
	if !exists {
		return models.SensorHealth{}, false
	}
	return *sensor, true
}
