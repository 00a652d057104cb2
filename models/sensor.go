package models

import (
	"time"
)

// SensorType identifies what a reading measures. Field names that do not map to
// a known type are carried through verbatim.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorGas         SensorType = "gas"
	SensorLight       SensorType = "light"
)

// SupportedSensorTypes returns the closed set of types that have validators.
func SupportedSensorTypes() []SensorType {
	return []SensorType{SensorGas, SensorHumidity, SensorLight, SensorTemperature}
}

// Unit returns the measurement unit reported for the type.
func (t SensorType) Unit() string {
	switch t {
	case SensorTemperature:
		return "°C"
	case SensorHumidity:
		return "%RH"
	case SensorGas:
		return "ppm"
	case SensorLight:
		return "lux"
	default:
		return ""
	}
}

// AlertType returns the alert key component for readings of this type.
func (t SensorType) AlertType() string {
	return string(t) + "_alert"
}

// Severity is the normal/warning/critical classification of a reading.
type Severity int

const (
	SeverityNormal   Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

// Label maps the numeric code to the alert severity label.
func (s Severity) Label() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// SensorReading is one observation of one sensor field.
type SensorReading struct {
	SensorID   string     `json:"sensor_id"`
	SensorType SensorType `json:"sensor_type"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	Timestamp  time.Time  `json:"timestamp"`
	LocationID string     `json:"location_id,omitempty"`
	RelicsID   string     `json:"relics_id,omitempty"`
	// Status stays nil when no validator exists for the type.
	Status *Severity `json:"status,omitempty"`
}

// WithStatus returns a copy of the reading carrying the given severity.
func (r SensorReading) WithStatus(s Severity) SensorReading {
	r.Status = &s
	return r
}

// Validated reports whether a severity has been assigned.
func (r SensorReading) Validated() bool {
	return r.Status != nil
}

// Severity returns the assigned severity, or SeverityNormal if unvalidated.
func (r SensorReading) Severity() Severity {
	if r.Status == nil {
		return SeverityNormal
	}
	return *r.Status
}
