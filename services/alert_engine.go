package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relicwatch/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transition is the decision the alert engine took for one reading.
type Transition string

const (
	TransitionNone       Transition = "none"
	TransitionOpened     Transition = "opened"
	TransitionUpdated    Transition = "updated"
	TransitionEscalated  Transition = "escalated"
	TransitionResolved   Transition = "resolved"
	TransitionSuppressed Transition = "suppressed"
	TransitionDropped    Transition = "dropped"
)

// Notifier accepts outbound notifications without blocking.
type Notifier interface {
	Notify(topic string, record models.NotificationRecord)
}

// AlertEngine raises, updates and resolves alert events. Decisions for one
// (sensor id, alert type) key are serialized by a per-key lock.
type AlertEngine struct {
	store      Store
	validators *ValidatorRegistry
	cooldowns  CooldownTracker
	notifier   Notifier
	cooldown   time.Duration
	logger     *zap.Logger
	newID      func() string

	locks keyedMutex

	mu     sync.RWMutex
	active map[models.AlertKey]*models.AlertEvent
	loaded map[models.AlertKey]bool // keys whose store state has been read
	byID   map[string]models.AlertKey
}

// NewAlertEngine creates an engine. cooldown <= 0 disables de-flapping.
func NewAlertEngine(store Store, validators *ValidatorRegistry, cooldowns CooldownTracker, notifier Notifier, cooldown time.Duration, logger *zap.Logger) *AlertEngine {
	if cooldowns == nil {
		cooldowns = NewMemoryCooldowns()
	}
	return &AlertEngine{
		store:      store,
		validators: validators,
		cooldowns:  cooldowns,
		notifier:   notifier,
		cooldown:   cooldown,
		logger:     logger,
		newID:      func() string { return uuid.New().String() },
		locks:      keyedMutex{locks: make(map[models.AlertKey]*keyLock)},
		active:     make(map[models.AlertKey]*models.AlertEvent),
		loaded:     make(map[models.AlertKey]bool),
		byID:       make(map[string]models.AlertKey),
	}
}

// Observe feeds a validated reading into the state machine of its key.
// Unvalidated readings are ignored. Errors are logged, never returned.
func (e *AlertEngine) Observe(ctx context.Context, reading models.SensorReading) Transition {
	if !reading.Validated() {
		return TransitionNone
	}

	key := models.AlertKey{SensorID: reading.SensorID, AlertType: reading.SensorType.AlertType()}
	unlock := e.locks.Lock(key)
	defer unlock()

	t := e.observeLocked(ctx, key, reading)
	AlertTransitions.WithLabelValues(string(t)).Inc()
	return t
}

func (e *AlertEngine) observeLocked(ctx context.Context, key models.AlertKey, reading models.SensorReading) Transition {
	severity := reading.Severity()

	current, err := e.lookupActive(ctx, key)
	if err != nil {
		e.logger.Error("Failed to look up active alert",
			zap.String("sensor_id", key.SensorID),
			zap.String("alert_type", key.AlertType),
			zap.Error(err))
		if severity == models.SeverityNormal {
			return TransitionNone
		}
		return TransitionDropped
	}

	if severity == models.SeverityNormal {
		if current == nil {
			return TransitionNone
		}
		if err := e.resolveLocked(ctx, current, reading.Timestamp); err != nil {
			e.logger.Error("Failed to resolve alert",
				zap.String("alert_id", current.ID),
				zap.String("sensor_id", key.SensorID),
				zap.Error(err))
			return TransitionDropped
		}
		return TransitionResolved
	}

	if current != nil {
		return e.updateLocked(ctx, current, reading)
	}

	cooling, err := e.cooldowns.InCooldown(ctx, key, reading.Timestamp, e.cooldown)
	if err != nil {
		e.logger.Warn("Cooldown lookup failed, raising alert anyway",
			zap.String("sensor_id", key.SensorID),
			zap.Error(err))
	}
	if cooling {
		e.logger.Debug("Alert suppressed during cooldown",
			zap.String("sensor_id", key.SensorID),
			zap.String("alert_type", key.AlertType),
			zap.Duration("cooldown", e.cooldown))
		return TransitionSuppressed
	}

	return e.openLocked(ctx, key, reading)
}

func (e *AlertEngine) openLocked(ctx context.Context, key models.AlertKey, reading models.SensorReading) Transition {
	severity := reading.Severity()
	event := &models.AlertEvent{
		ID:         e.newID(),
		AlertType:  key.AlertType,
		Severity:   severity.Label(),
		Message:    alertMessage(reading),
		SensorID:   reading.SensorID,
		SensorType: reading.SensorType,
		LocationID: reading.LocationID,
		RelicsID:   reading.RelicsID,
		Value:      reading.Value,
		Unit:       reading.Unit,
		Threshold:  e.thresholdFor(reading),
		Status:     models.AlertActive,
		CreatedAt:  reading.Timestamp,
		UpdatedAt:  reading.Timestamp,
	}

	if err := e.store.SaveAlert(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateActiveAlert) {
			// Another writer got there first; adopt its event.
			existing, findErr := e.store.FindActiveAlert(ctx, key.SensorID, key.AlertType)
			if findErr == nil && existing != nil {
				e.remember(existing)
				ActiveAlerts.Inc()
				return e.updateLocked(ctx, existing, reading)
			}
		}
		e.logger.Error("Failed to persist alert, dropping it",
			zap.String("sensor_id", reading.SensorID),
			zap.String("alert_type", key.AlertType),
			zap.String("severity", event.Severity),
			zap.Float64("value", reading.Value),
			zap.Error(err))
		return TransitionDropped
	}

	e.remember(event)
	ActiveAlerts.Inc()

	e.logger.Warn("Alert raised",
		zap.String("alert_id", event.ID),
		zap.String("sensor_id", event.SensorID),
		zap.String("alert_type", event.AlertType),
		zap.String("severity", event.Severity),
		zap.Float64("value", event.Value))

	e.publish(event, reading.Timestamp)
	return TransitionOpened
}

// updateLocked applies last-value-wins to an active alert. CreatedAt is kept.
func (e *AlertEngine) updateLocked(ctx context.Context, current *models.AlertEvent, reading models.SensorReading) Transition {
	prevRank := severityRank(current.Severity)
	severity := reading.Severity()

	updated := current.Clone()
	updated.Value = reading.Value
	updated.Threshold = e.thresholdFor(reading)
	updated.Severity = severity.Label()
	updated.Message = alertMessage(reading)
	updated.UpdatedAt = reading.Timestamp

	if err := e.store.UpdateAlert(ctx, updated); err != nil {
		e.logger.Error("Failed to persist alert update",
			zap.String("alert_id", updated.ID),
			zap.Error(err))
	}
	e.remember(updated)

	if int(severity) > prevRank {
		e.logger.Warn("Alert escalated",
			zap.String("alert_id", updated.ID),
			zap.String("sensor_id", updated.SensorID),
			zap.String("severity", updated.Severity),
			zap.Float64("value", updated.Value))
		e.publish(updated, reading.Timestamp)
		return TransitionEscalated
	}
	return TransitionUpdated
}

func (e *AlertEngine) resolveLocked(ctx context.Context, current *models.AlertEvent, at time.Time) error {
	resolvedAt := at
	ok, err := e.store.UpdateAlertStatus(ctx, current.ID, models.AlertResolved, &resolvedAt)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn("Resolved alert was missing from store",
			zap.String("alert_id", current.ID))
	}

	resolved := current.Clone()
	resolved.Status = models.AlertResolved
	resolved.ResolvedAt = &resolvedAt
	resolved.UpdatedAt = at

	key := current.Key()
	e.forget(key, current.ID)
	ActiveAlerts.Dec()

	if err := e.cooldowns.MarkResolved(ctx, key, at, e.cooldown); err != nil {
		e.logger.Warn("Failed to record alert cooldown",
			zap.String("sensor_id", key.SensorID),
			zap.Error(err))
	}

	e.logger.Info("Alert resolved",
		zap.String("alert_id", resolved.ID),
		zap.String("sensor_id", resolved.SensorID),
		zap.String("alert_type", resolved.AlertType),
		zap.Duration("active_for", at.Sub(resolved.CreatedAt)))

	e.publish(resolved, at)
	return nil
}

// UpdateStatus applies an explicit status change to an alert.
func (e *AlertEngine) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid alert status %q", status)
	}

	key, err := e.keyFor(ctx, alertID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	current, err := e.lookupActive(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up active alert: %w", err)
	}

	switch status {
	case models.AlertResolved:
		if current != nil && current.ID == alertID {
			if err := e.resolveLocked(ctx, current, at); err != nil {
				return fmt.Errorf("failed to resolve alert %s: %w", alertID, err)
			}
			AlertTransitions.WithLabelValues(string(TransitionResolved)).Inc()
			return nil
		}
		resolvedAt := at
		ok, err := e.store.UpdateAlertStatus(ctx, alertID, models.AlertResolved, &resolvedAt)
		if err != nil {
			return fmt.Errorf("failed to resolve alert %s: %w", alertID, err)
		}
		if !ok {
			return ErrAlertNotFound
		}
		return nil

	case models.AlertActive:
		if current != nil {
			if current.ID == alertID {
				return nil
			}
			return ErrDuplicateActiveAlert
		}
		ok, err := e.store.UpdateAlertStatus(ctx, alertID, models.AlertActive, nil)
		if err != nil {
			return fmt.Errorf("failed to reopen alert %s: %w", alertID, err)
		}
		if !ok {
			return ErrAlertNotFound
		}
		event, err := e.store.GetAlert(ctx, alertID)
		if err != nil {
			return fmt.Errorf("failed to reload alert %s: %w", alertID, err)
		}
		e.remember(event)
		ActiveAlerts.Inc()
		e.publish(event, at)
		return nil
	}
	return nil
}

// ActiveAlerts returns a snapshot of the alerts the engine holds as ACTIVE.
func (e *AlertEngine) ActiveAlerts() []*models.AlertEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.AlertEvent, 0, len(e.active))
	for _, ev := range e.active {
		out = append(out, ev.Clone())
	}
	return out
}

func (e *AlertEngine) lookupActive(ctx context.Context, key models.AlertKey) (*models.AlertEvent, error) {
	e.mu.RLock()
	ev, ok := e.active[key]
	loaded := e.loaded[key]
	e.mu.RUnlock()
	if ok {
		return ev, nil
	}
	if loaded {
		return nil, nil
	}

	ev, err := e.store.FindActiveAlert(ctx, key.SensorID, key.AlertType)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.loaded[key] = true
	if ev != nil {
		e.active[key] = ev
		e.byID[ev.ID] = key
	}
	e.mu.Unlock()
	if ev != nil {
		ActiveAlerts.Inc()
	}
	return ev, nil
}

func (e *AlertEngine) keyFor(ctx context.Context, alertID string) (models.AlertKey, error) {
	e.mu.RLock()
	key, ok := e.byID[alertID]
	e.mu.RUnlock()
	if ok {
		return key, nil
	}

	ev, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return models.AlertKey{}, err
	}
	if ev == nil {
		return models.AlertKey{}, ErrAlertNotFound
	}
	return ev.Key(), nil
}

func (e *AlertEngine) remember(ev *models.AlertEvent) {
	key := ev.Key()
	e.mu.Lock()
	e.active[key] = ev
	e.loaded[key] = true
	e.byID[ev.ID] = key
	e.mu.Unlock()
}

func (e *AlertEngine) forget(key models.AlertKey, alertID string) {
	e.mu.Lock()
	delete(e.active, key)
	delete(e.byID, alertID)
	e.loaded[key] = true
	e.mu.Unlock()
}

func (e *AlertEngine) thresholdFor(reading models.SensorReading) *float64 {
	if e.validators == nil {
		return nil
	}
	v, ok := e.validators.ValidatorFor(reading.SensorType)
	if !ok {
		return nil
	}
	th, ok := v.Threshold(reading.Severity())
	if !ok {
		return nil
	}
	return &th
}

func (e *AlertEngine) publish(ev *models.AlertEvent, at time.Time) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(models.TopicAlert, models.AlertNotification(ev.Clone(), at))
}

func alertMessage(r models.SensorReading) string {
	return fmt.Sprintf("Sensor %s %s reading %.2f%s is %s",
		r.SensorID, r.SensorType, r.Value, r.Unit, r.Severity().Label())
}

func severityRank(label string) int {
	switch label {
	case "WARNING":
		return int(models.SeverityWarning)
	case "CRITICAL":
		return int(models.SeverityCritical)
	default:
		return int(models.SeverityNormal)
	}
}

// keyedMutex hands out one mutex per alert key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[models.AlertKey]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key models.AlertKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
