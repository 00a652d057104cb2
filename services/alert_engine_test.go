package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relicwatch/models"
	"relicwatch/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type engineFixture struct {
	engine   *AlertEngine
	store    *storage.MemoryStore
	registry *ValidatorRegistry
	notifier *captureNotifier
}

func newEngineFixture(t *testing.T, store Store, cooldown time.Duration) *engineFixture {
	t.Helper()
	registry, err := NewValidatorRegistry(testConfig())
	require.NoError(t, err)

	mem, _ := store.(*storage.MemoryStore)
	notifier := &captureNotifier{}
	seq := 0
	engine := NewAlertEngine(store, registry, NewMemoryCooldowns(), notifier, cooldown, zap.NewNop())
	engine.newID = func() string {
		seq++
		return fmt.Sprintf("alert-%d", seq)
	}
	return &engineFixture{engine: engine, store: mem, registry: registry, notifier: notifier}
}

func (f *engineFixture) observe(sensorID string, value float64, at time.Time) Transition {
	r, ok := f.registry.Apply(models.SensorReading{
		SensorID:   sensorID,
		SensorType: models.SensorTemperature,
		Value:      value,
		Unit:       "°C",
		Timestamp:  at,
	})
	if !ok {
		panic("temperature must have a validator")
	}
	return f.engine.Observe(context.Background(), r)
}

func activeIn(alerts []*models.AlertEvent) []*models.AlertEvent {
	var out []*models.AlertEvent
	for _, a := range alerts {
		if a.Status == models.AlertActive {
			out = append(out, a)
		}
	}
	return out
}

func TestAlertEngine_OpenEscalateInPlace(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)
	t0 := fixedNow

	assert.Equal(t, TransitionNone, f.observe("S1", 18, t0))
	assert.Equal(t, TransitionOpened, f.observe("S1", 26, t0.Add(time.Second)))
	assert.Equal(t, TransitionEscalated, f.observe("S1", 31, t0.Add(2*time.Second)))

	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, models.AlertActive, a.Status)
	assert.Equal(t, "CRITICAL", a.Severity)
	assert.Equal(t, 31.0, a.Value)
	assert.Equal(t, "temperature_alert", a.AlertType)
	assert.Equal(t, t0.Add(time.Second), a.CreatedAt)
	assert.Equal(t, t0.Add(2*time.Second), a.UpdatedAt)
	require.NotNil(t, a.Threshold)
	assert.Equal(t, 30.0, *a.Threshold)

	published := f.notifier.on(models.TopicAlert)
	require.Len(t, published, 2)
	assert.Equal(t, "WARNING", published[0].Severity)
	assert.Equal(t, "CRITICAL", published[1].Severity)
	assert.Equal(t, published[0].AlertID, published[1].AlertID)
}

func TestAlertEngine_SameSeverityIsNotRepublished(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)

	assert.Equal(t, TransitionOpened, f.observe("S1", 25, fixedNow))
	assert.Equal(t, TransitionUpdated, f.observe("S1", 27, fixedNow.Add(time.Second)))
	assert.Equal(t, TransitionEscalated, f.observe("S1", 35, fixedNow.Add(2*time.Second)))
	assert.Equal(t, TransitionUpdated, f.observe("S1", 36, fixedNow.Add(3*time.Second)))
	assert.Equal(t, TransitionUpdated, f.observe("S1", 26, fixedNow.Add(4*time.Second)))

	assert.Len(t, f.notifier.on(models.TopicAlert), 2)
	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 26.0, alerts[0].Value)
	assert.Equal(t, "WARNING", alerts[0].Severity)
}

func TestAlertEngine_ResolveOnNormalReading(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)

	f.observe("S1", 26, fixedNow)
	resolvedAt := fixedNow.Add(time.Minute)
	assert.Equal(t, TransitionResolved, f.observe("S1", 19, resolvedAt))
	assert.Equal(t, TransitionNone, f.observe("S1", 19, resolvedAt.Add(time.Second)))

	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertResolved, alerts[0].Status)
	require.NotNil(t, alerts[0].ResolvedAt)
	assert.Equal(t, resolvedAt, *alerts[0].ResolvedAt)
	assert.Empty(t, f.engine.ActiveAlerts())

	published := f.notifier.on(models.TopicAlert)
	require.Len(t, published, 2)
	assert.Equal(t, models.AlertResolved, published[1].AlertStatus)

	assert.Equal(t, TransitionOpened, f.observe("S1", 27, resolvedAt.Add(2*time.Second)))
	assert.Len(t, activeIn(f.store.Alerts()), 1)
	assert.Len(t, f.store.Alerts(), 2)
}

func TestAlertEngine_CooldownSuppressesReopen(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 10*time.Minute)

	f.observe("S1", 26, fixedNow)
	f.observe("S1", 19, fixedNow.Add(time.Minute))

	assert.Equal(t, TransitionSuppressed, f.observe("S1", 26, fixedNow.Add(5*time.Minute)))
	assert.Empty(t, activeIn(f.store.Alerts()))

	assert.Equal(t, TransitionOpened, f.observe("S1", 26, fixedNow.Add(12*time.Minute)))
	assert.Len(t, activeIn(f.store.Alerts()), 1)
}

func TestAlertEngine_KeysAreIndependent(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)

	assert.Equal(t, TransitionOpened, f.observe("S1", 26, fixedNow))
	assert.Equal(t, TransitionOpened, f.observe("S2", 26, fixedNow))

	humidity, ok := f.registry.Apply(models.SensorReading{
		SensorID: "S1", SensorType: models.SensorHumidity, Value: 65, Unit: "%RH", Timestamp: fixedNow,
	})
	require.True(t, ok)
	assert.Equal(t, TransitionOpened, f.engine.Observe(context.Background(), humidity))

	assert.Len(t, activeIn(f.store.Alerts()), 3)
	assert.Len(t, f.engine.ActiveAlerts(), 3)
}

func TestAlertEngine_UnvalidatedReadingIsIgnored(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)

	tr := f.engine.Observe(context.Background(), models.SensorReading{
		SensorID: "S1", SensorType: "pressure", Value: 1e6, Timestamp: fixedNow,
	})

	assert.Equal(t, TransitionNone, tr)
	assert.Empty(t, f.store.Alerts())
	assert.Equal(t, 0, f.notifier.count())
}

func TestAlertEngine_ConcurrentObserveOpensOnce(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)
	var idMu sync.Mutex
	seq := 0
	f.engine.newID = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		seq++
		return fmt.Sprintf("alert-%d", seq)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.observe("S1", 25+float64(i%5)*0.1, fixedNow.Add(time.Duration(i)*time.Millisecond)) == TransitionOpened {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	assert.Len(t, f.store.Alerts(), 1)
}

func TestAlertEngine_AdoptsActiveAlertFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveAlert(context.Background(), &models.AlertEvent{
		ID:         "existing",
		AlertType:  "temperature_alert",
		Severity:   "WARNING",
		SensorID:   "S1",
		SensorType: models.SensorTemperature,
		Value:      25,
		Status:     models.AlertActive,
		CreatedAt:  fixedNow.Add(-time.Hour),
		UpdatedAt:  fixedNow.Add(-time.Hour),
	}))

	f := newEngineFixture(t, store, 0)

	assert.Equal(t, TransitionUpdated, f.observe("S1", 27, fixedNow))
	alerts := f.store.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "existing", alerts[0].ID)
	assert.Equal(t, 27.0, alerts[0].Value)
	assert.Equal(t, fixedNow.Add(-time.Hour), alerts[0].CreatedAt)
}

type failingAlertStore struct {
	*storage.MemoryStore
}

func (failingAlertStore) SaveAlert(context.Context, *models.AlertEvent) error {
	return errors.New("database unavailable")
}

func TestAlertEngine_PersistFailureDropsEvent(t *testing.T) {
	store := failingAlertStore{storage.NewMemoryStore()}
	f := newEngineFixture(t, store, 0)

	assert.Equal(t, TransitionDropped, f.observe("S1", 26, fixedNow))
	assert.Empty(t, f.engine.ActiveAlerts())
	assert.Empty(t, f.notifier.on(models.TopicAlert))
	assert.Empty(t, store.Alerts())

	// A later normal reading has nothing to resolve.
	assert.Equal(t, TransitionNone, f.observe("S1", 18, fixedNow.Add(time.Second)))
}

func TestAlertEngine_UpdateStatus(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)
	ctx := context.Background()

	f.observe("S1", 26, fixedNow)
	first := f.engine.ActiveAlerts()[0].ID

	require.NoError(t, f.engine.UpdateStatus(ctx, first, models.AlertResolved, fixedNow.Add(time.Minute)))
	assert.Empty(t, f.engine.ActiveAlerts())
	assert.Equal(t, models.AlertResolved, f.store.Alerts()[0].Status)

	assert.Equal(t, TransitionOpened, f.observe("S1", 27, fixedNow.Add(2*time.Minute)))
	second := f.engine.ActiveAlerts()[0].ID
	assert.NotEqual(t, first, second)

	err := f.engine.UpdateStatus(ctx, first, models.AlertActive, fixedNow.Add(3*time.Minute))
	assert.ErrorIs(t, err, ErrDuplicateActiveAlert)

	require.NoError(t, f.engine.UpdateStatus(ctx, second, models.AlertActive, fixedNow.Add(3*time.Minute)))

	require.NoError(t, f.engine.UpdateStatus(ctx, second, models.AlertResolved, fixedNow.Add(4*time.Minute)))
	require.NoError(t, f.engine.UpdateStatus(ctx, first, models.AlertActive, fixedNow.Add(5*time.Minute)))
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, first, active[0].ID)

	assert.ErrorIs(t, f.engine.UpdateStatus(ctx, "missing", models.AlertResolved, fixedNow), ErrAlertNotFound)
	assert.Error(t, f.engine.UpdateStatus(ctx, first, "PAUSED", fixedNow))
}
