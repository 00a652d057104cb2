package models

import (
	"time"
)

// SensorHealthStatus represents whether a sensor is still reporting
type SensorHealthStatus string

const (
	SensorReporting SensorHealthStatus = "reporting"
	SensorSilent    SensorHealthStatus = "silent"
)

// SensorHealth tracks the reporting state of a sensor
type SensorHealth struct {
	SensorID   string
	LocationID string
	RelicsID   string
	LastSeen   time.Time
	Status     SensorHealthStatus
	SilentAt   time.Time // When the sensor went silent (if applicable)
}
