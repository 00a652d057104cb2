package storage

import "errors"

var (
	// ErrAlertNotFound is returned when an alert id does not exist.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrDuplicateActiveAlert is returned by SaveAlert when the sensor already
	// has an ACTIVE alert of the same type.
	ErrDuplicateActiveAlert = errors.New("active alert already exists for sensor and alert type")
)
