package models

import "time"

// NotificationKind tells subscribers how to read a NotificationRecord.
type NotificationKind string

const (
	KindReading         NotificationKind = "reading"
	KindAlert           NotificationKind = "alert"
	KindDeviceStat      NotificationKind = "device_stat"
	KindSensorOffline   NotificationKind = "sensor_offline"
	KindSensorRecovered NotificationKind = "sensor_recovered"
)

// Outbound topics.
const (
	TopicAllSensors   = "sensor/all"
	TopicAlert        = "alert"
	TopicDeviceStat   = "device/stat"
	TopicSensorHealth = "sensor/health"
)

// SensorTopic returns the per-type reading feed topic.
func SensorTopic(t SensorType) string {
	return "sensor/" + string(t)
}

// NotificationRecord is the flattened payload pushed to subscribers.
type NotificationRecord struct {
	Kind       NotificationKind `json:"kind"`
	SensorID   string           `json:"sensor_id"`
	SensorType SensorType       `json:"sensor_type,omitempty"`
	LocationID string           `json:"location_id,omitempty"`
	RelicsID   string           `json:"relics_id,omitempty"`
	Value      float64          `json:"value"`
	Unit       string           `json:"unit,omitempty"`
	Status     *Severity        `json:"status,omitempty"`

	AlertID     string      `json:"alert_id,omitempty"`
	AlertType   string      `json:"alert_type,omitempty"`
	Severity    string      `json:"severity,omitempty"`
	AlertStatus AlertStatus `json:"alert_status,omitempty"`
	Threshold   *float64    `json:"threshold,omitempty"`
	Message     string      `json:"message,omitempty"`
	DeviceStat  int         `json:"device_stat,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ReadingNotification flattens a reading for the sensor feeds.
func ReadingNotification(r SensorReading) NotificationRecord {
	return NotificationRecord{
		Kind:       KindReading,
		SensorID:   r.SensorID,
		SensorType: r.SensorType,
		LocationID: r.LocationID,
		RelicsID:   r.RelicsID,
		Value:      r.Value,
		Unit:       r.Unit,
		Status:     r.Status,
		Timestamp:  r.Timestamp,
	}
}

// AlertNotification flattens an alert event. at is the observation time that
// caused the transition.
func AlertNotification(e *AlertEvent, at time.Time) NotificationRecord {
	return NotificationRecord{
		Kind:        KindAlert,
		SensorID:    e.SensorID,
		SensorType:  e.SensorType,
		LocationID:  e.LocationID,
		RelicsID:    e.RelicsID,
		Value:       e.Value,
		Unit:        e.Unit,
		AlertID:     e.ID,
		AlertType:   e.AlertType,
		Severity:    e.Severity,
		AlertStatus: e.Status,
		Threshold:   e.Threshold,
		Message:     e.Message,
		Timestamp:   at,
	}
}
