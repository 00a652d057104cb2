package services

import (
	"context"
	"sync"
	"time"

	"relicwatch/models"

	"go.uber.org/zap"
)

// Publisher pushes one notification to an outbound channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, record models.NotificationRecord) error
}

type envelope struct {
	topic  string
	record models.NotificationRecord
}

// lane is the delivery queue pair and worker state of one publisher.
type lane struct {
	name     string
	pub      Publisher
	priority chan envelope
	feed     chan envelope
}

// isPriorityTopic reports whether topic carries alert lifecycle or device
// health events rather than the per-reading feeds.
func isPriorityTopic(topic string) bool {
	switch topic {
	case models.TopicAlert, models.TopicSensorHealth, models.TopicDeviceStat:
		return true
	}
	return false
}

// Dispatcher fans notifications out to registered publishers. Every publisher
// has its own worker with a priority lane for alert and health topics and a
// feed lane for readings; the worker always empties the priority lane first.
// Notify never blocks the caller: a full lane drops the notification for that
// publisher only.
type Dispatcher struct {
	queueSize      int
	publishTimeout time.Duration
	drainTimeout   time.Duration
	logger         *zap.Logger

	mu    sync.RWMutex
	lanes []*lane
}

func NewDispatcher(queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		queueSize:      queueSize,
		publishTimeout: 10 * time.Second,
		drainTimeout:   5 * time.Second,
		logger:         logger,
	}
}

// Register adds a publisher. name labels its metrics and log lines. Publishers
// must be registered before Serve starts.
func (d *Dispatcher) Register(name string, p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lanes = append(d.lanes, &lane{
		name:     name,
		pub:      p,
		priority: make(chan envelope, d.queueSize),
		feed:     make(chan envelope, d.queueSize),
	})
	d.logger.Info("Registered notification publisher", zap.String("publisher", name))
}

// Notify queues a notification for every publisher.
func (d *Dispatcher) Notify(topic string, record models.NotificationRecord) {
	env := envelope{topic: topic, record: record}
	priority := isPriorityTopic(topic)

	d.mu.RLock()
	lanes := d.lanes
	d.mu.RUnlock()

	for _, l := range lanes {
		q := l.feed
		if priority {
			q = l.priority
		}
		select {
		case q <- env:
		default:
			NotificationsPublished.WithLabelValues(l.name, "dropped").Inc()
			d.logger.Warn("Notification queue full, dropping",
				zap.String("publisher", l.name),
				zap.String("topic", topic),
				zap.String("sensor_id", record.SensorID),
				zap.String("kind", string(record.Kind)))
		}
	}
}

// Serve runs one worker per publisher until ctx is cancelled. What is still
// queued at that point gets a bounded drain.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mu.RLock()
	lanes := d.lanes
	d.mu.RUnlock()

	d.logger.Info("Starting notification dispatcher",
		zap.Int("publishers", len(lanes)),
		zap.Int("queue_size", d.queueSize))

	var wg sync.WaitGroup
	for _, l := range lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			d.run(ctx, l)
		}(l)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) run(ctx context.Context, l *lane) {
	// Publishes in flight finish under their own timeout when ctx ends.
	pubCtx := context.WithoutCancel(ctx)
	for {
		select {
		case env := <-l.priority:
			d.deliver(pubCtx, l, env)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			d.drain(l)
			return
		case env := <-l.priority:
			d.deliver(pubCtx, l, env)
		case env := <-l.feed:
			d.deliver(pubCtx, l, env)
		}
	}
}

func (d *Dispatcher) drain(l *lane) {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	delivered := 0
	for ctx.Err() == nil {
		select {
		case env := <-l.priority:
			d.deliver(ctx, l, env)
			delivered++
			continue
		default:
		}

		select {
		case env := <-l.feed:
			d.deliver(ctx, l, env)
			delivered++
		default:
			if delivered > 0 {
				d.logger.Info("Drained notification queue",
					zap.String("publisher", l.name),
					zap.Int("delivered", delivered))
			}
			return
		}
	}
	d.logger.Warn("Notification drain timed out",
		zap.String("publisher", l.name),
		zap.Int("remaining", len(l.priority)+len(l.feed)))
}

func (d *Dispatcher) deliver(ctx context.Context, l *lane, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			NotificationsPublished.WithLabelValues(l.name, "error").Inc()
			d.logger.Error("Publisher panicked",
				zap.String("publisher", l.name),
				zap.String("topic", env.topic),
				zap.Any("panic", r))
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	if err := l.pub.Publish(pctx, env.topic, env.record); err != nil {
		NotificationsPublished.WithLabelValues(l.name, "error").Inc()
		d.logger.Error("Failed to publish notification",
			zap.String("publisher", l.name),
			zap.String("topic", env.topic),
			zap.String("sensor_id", env.record.SensorID),
			zap.Error(err))
		return
	}
	NotificationsPublished.WithLabelValues(l.name, "ok").Inc()
}
