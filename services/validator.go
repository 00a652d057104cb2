package services

import (
	"fmt"
	"sort"

	"relicwatch/config"
	"relicwatch/models"
)

// Validator maps a reading value to a severity. Implementations are pure.
type Validator interface {
	Validate(value float64) models.Severity
	// Threshold returns the breakpoint that a value of the given severity has
	// crossed.
	Threshold(severity models.Severity) (float64, bool)
}

// BandValidator classifies against two ascending breakpoints:
// value <= Warning is normal, value <= Critical is a warning, above is critical.
type BandValidator struct {
	Warning  float64
	Critical float64
}

// NewBandValidator rejects breakpoints that are not strictly ascending.
func NewBandValidator(warning, critical float64) (BandValidator, error) {
	if !(warning < critical) {
		return BandValidator{}, fmt.Errorf("warning threshold %.2f must be below critical threshold %.2f", warning, critical)
	}
	return BandValidator{Warning: warning, Critical: critical}, nil
}

func (v BandValidator) Validate(value float64) models.Severity {
	switch {
	case value > v.Critical:
		return models.SeverityCritical
	case value > v.Warning:
		return models.SeverityWarning
	default:
		return models.SeverityNormal
	}
}

func (v BandValidator) Threshold(severity models.Severity) (float64, bool) {
	switch severity {
	case models.SeverityWarning:
		return v.Warning, true
	case models.SeverityCritical:
		return v.Critical, true
	}
	return 0, false
}

// CeilingValidator raises a warning when the value exceeds Limit.
type CeilingValidator struct {
	Limit float64
}

func (v CeilingValidator) Validate(value float64) models.Severity {
	if value > v.Limit {
		return models.SeverityWarning
	}
	return models.SeverityNormal
}

func (v CeilingValidator) Threshold(severity models.Severity) (float64, bool) {
	if severity == models.SeverityWarning {
		return v.Limit, true
	}
	return 0, false
}

// ValidatorRegistry resolves the validator for a sensor type. It is immutable
// after construction and safe for concurrent use.
type ValidatorRegistry struct {
	validators map[models.SensorType]Validator
}

// NewValidatorRegistry builds the registry from configured thresholds.
func NewValidatorRegistry(cfg *config.Config) (*ValidatorRegistry, error) {
	temperature, err := NewBandValidator(cfg.TemperatureWarn, cfg.TemperatureCritical)
	if err != nil {
		return nil, fmt.Errorf("temperature: %w", err)
	}
	humidity, err := NewBandValidator(cfg.HumidityWarn, cfg.HumidityCritical)
	if err != nil {
		return nil, fmt.Errorf("humidity: %w", err)
	}
	gas, err := NewBandValidator(cfg.GasWarn, cfg.GasCritical)
	if err != nil {
		return nil, fmt.Errorf("gas: %w", err)
	}

	return &ValidatorRegistry{validators: map[models.SensorType]Validator{
		models.SensorTemperature: temperature,
		models.SensorHumidity:    humidity,
		models.SensorGas:         gas,
		models.SensorLight:       CeilingValidator{Limit: cfg.LightMax},
	}}, nil
}

// ValidatorFor returns the validator for sensorType. Lookup is case-sensitive;
// unknown types return false and must be passed through unvalidated.
func (r *ValidatorRegistry) ValidatorFor(sensorType models.SensorType) (Validator, bool) {
	v, ok := r.validators[sensorType]
	return v, ok
}

// SupportedTypes lists the types with a validator, sorted.
func (r *ValidatorRegistry) SupportedTypes() []models.SensorType {
	out := make([]models.SensorType, 0, len(r.validators))
	for t := range r.validators {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply validates a reading. The second result is false when no validator
// exists, in which case the reading is returned unchanged.
func (r *ValidatorRegistry) Apply(reading models.SensorReading) (models.SensorReading, bool) {
	v, ok := r.ValidatorFor(reading.SensorType)
	if !ok {
		return reading, false
	}
	return reading.WithStatus(v.Validate(reading.Value)), true
}
