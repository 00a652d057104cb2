package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// Service is a long-running component. Serve blocks until ctx is cancelled.
type Service interface {
	Serve(ctx context.Context) error
}

// namedService gives suture a readable name for log lines.
type namedService struct {
	name string
	svc  Service
}

func (n namedService) Serve(ctx context.Context) error { return n.svc.Serve(ctx) }
func (n namedService) String() string                  { return n.name }

// Layer names in shutdown order.
const (
	LayerIngress    = "ingress"
	LayerProcessing = "processing"
	LayerEgress     = "egress"
)

// TreeConfig holds supervisor restart policy.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

type layer struct {
	name   string
	sup    *suture.Supervisor
	cancel context.CancelFunc
	done   <-chan error
}

// SupervisorTree runs services in three layers. Layers start egress first and
// stop ingress first, so transports go quiet before the pipeline drains and
// the pipeline drains before the flusher and publishers stop.
type SupervisorTree struct {
	logger *zap.Logger
	layers []*layer
	mu     sync.Mutex
}

func NewSupervisorTree(logger *zap.Logger, cfg TreeConfig) *SupervisorTree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	t := &SupervisorTree{logger: logger}
	for _, name := range []string{LayerIngress, LayerProcessing, LayerEgress} {
		spec := suture.Spec{
			EventHook:        zapEventHook(logger.With(zap.String("layer", name))),
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		}
		t.layers = append(t.layers, &layer{name: name, sup: suture.New("relicwatch-"+name, spec)})
	}
	return t
}

// Add registers svc in the named layer.
func (t *SupervisorTree) Add(layerName, serviceName string, svc Service) {
	for _, l := range t.layers {
		if l.name == layerName {
			l.sup.Add(namedService{name: serviceName, svc: svc})
			return
		}
	}
	panic("unknown supervisor layer " + layerName)
}

// Start runs every layer in the background, egress first.
func (t *SupervisorTree) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.layers) - 1; i >= 0; i-- {
		l := t.layers[i]
		lctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		l.done = l.sup.ServeBackground(lctx)
	}
}

// Stop stops the layers in order, waiting up to timeout for each.
func (t *SupervisorTree) Stop(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, l := range t.layers {
		if l.cancel == nil {
			continue
		}
		t.logger.Info("Stopping supervisor layer", zap.String("layer", l.name))
		l.cancel()

		select {
		case err := <-l.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("Supervisor layer exited", zap.String("layer", l.name), zap.Error(err))
			}
		case <-time.After(timeout):
			t.logger.Error("Supervisor layer did not stop in time", zap.String("layer", l.name))
			errs = append(errs, errors.New("layer "+l.name+" stop timeout"))
		}
		l.cancel = nil
	}
	return errors.Join(errs...)
}

func zapEventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := make([]zap.Field, 0, len(e.Map()))
		for k, v := range e.Map() {
			fields = append(fields, zap.Any(k, v))
		}

		switch e.(type) {
		case suture.EventServicePanic, suture.EventStopTimeout:
			logger.Error(e.String(), fields...)
		case suture.EventServiceTerminate, suture.EventBackoff:
			logger.Warn(e.String(), fields...)
		default:
			logger.Info(e.String(), fields...)
		}
	}
}
