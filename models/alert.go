package models

import "time"

// AlertStatus is the lifecycle state of an alert event.
type AlertStatus string

const (
	AlertActive   AlertStatus = "ACTIVE"
	AlertResolved AlertStatus = "RESOLVED"
)

// Valid reports whether the status is one of the known values.
func (s AlertStatus) Valid() bool {
	return s == AlertActive || s == AlertResolved
}

// AlertEvent is raised when a reading crosses a threshold. At most one event per
// (SensorID, AlertType) is ACTIVE at a time.
type AlertEvent struct {
	ID         string      `json:"id"`
	AlertType  string      `json:"alert_type"`
	Severity   string      `json:"severity"`
	Message    string      `json:"message"`
	SensorID   string      `json:"sensor_id"`
	SensorType SensorType  `json:"sensor_type"`
	LocationID string      `json:"location_id,omitempty"`
	RelicsID   string      `json:"relics_id,omitempty"`
	Value      float64     `json:"value"`
	Unit       string      `json:"unit,omitempty"`
	Threshold  *float64    `json:"threshold,omitempty"`
	Status     AlertStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// AlertKey identifies the active-alert slot an event occupies.
type AlertKey struct {
	SensorID  string
	AlertType string
}

func (k AlertKey) String() string {
	return k.SensorID + "|" + k.AlertType
}

// Key returns the active-alert slot of the event.
func (e *AlertEvent) Key() AlertKey {
	return AlertKey{SensorID: e.SensorID, AlertType: e.AlertType}
}

// Clone returns a deep copy so callers can hand events to other goroutines.
func (e *AlertEvent) Clone() *AlertEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Threshold != nil {
		t := *e.Threshold
		c.Threshold = &t
	}
	if e.ResolvedAt != nil {
		r := *e.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}
