package services

import (
	"context"
	"sync"
	"time"

	"relicwatch/models"
)

// CooldownTracker remembers when an alert key was last resolved so that a new
// alert for the same key is held back until the window has passed.
type CooldownTracker interface {
	// MarkResolved records a resolution at the given time.
	MarkResolved(ctx context.Context, key models.AlertKey, at time.Time, window time.Duration) error
	// InCooldown reports whether at falls within window of the last resolution.
	InCooldown(ctx context.Context, key models.AlertKey, at time.Time, window time.Duration) (bool, error)
}

// MemoryCooldowns is a process-local CooldownTracker.
type MemoryCooldowns struct {
	mu       sync.Mutex
	resolved map[models.AlertKey]time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{resolved: make(map[models.AlertKey]time.Time)}
}

func (m *MemoryCooldowns) MarkResolved(_ context.Context, key models.AlertKey, at time.Time, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved[key] = at
	return nil
}

func (m *MemoryCooldowns) InCooldown(_ context.Context, key models.AlertKey, at time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.resolved[key]
	if !ok {
		return false, nil
	}
	if at.Sub(last) < window {
		return true, nil
	}
	delete(m.resolved, key)
	return false, nil
}
