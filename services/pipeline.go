package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"relicwatch/config"
	"relicwatch/models"

	"go.uber.org/zap"
)

type inboundMessage struct {
	topic   string
	payload []byte
}

// Pipeline is the ingestion entry point shared by every inbound transport.
// Messages are processed on a sharded worker pool keyed by topic.
type Pipeline struct {
	normalizer *Normalizer
	validators *ValidatorRegistry
	engine     *AlertEngine
	buffer     *IngestBuffer
	notifier   Notifier
	watchdog   *SensorWatchdog
	logger     *zap.Logger

	pool *ShardedPool[inboundMessage]
}

// NewPipeline wires the ingestion stages. watchdog may be nil.
func NewPipeline(
	cfg *config.Config,
	normalizer *Normalizer,
	validators *ValidatorRegistry,
	engine *AlertEngine,
	buffer *IngestBuffer,
	notifier Notifier,
	watchdog *SensorWatchdog,
	logger *zap.Logger,
) *Pipeline {
	p := &Pipeline{
		normalizer: normalizer,
		validators: validators,
		engine:     engine,
		buffer:     buffer,
		notifier:   notifier,
		watchdog:   watchdog,
		logger:     logger,
	}
	p.pool = NewShardedPool(cfg.WorkerCount, cfg.WorkerQueueSize,
		func(m inboundMessage) string { return m.topic },
		func(ctx context.Context, m inboundMessage) { p.HandleMessage(ctx, m.topic, m.payload) },
	)
	return p
}

// OnMessage hands a raw message to the worker pool. It never blocks; when the
// topic's worker queue is full the message is dropped.
func (p *Pipeline) OnMessage(topic string, payload []byte) {
	err := p.pool.Submit(inboundMessage{topic: topic, payload: payload})
	if err == nil {
		MessagesReceived.WithLabelValues("accepted").Inc()
		return
	}

	MessagesReceived.WithLabelValues("dropped").Inc()
	if errors.Is(err, ErrQueueFull) {
		p.logger.Warn("Worker queue full, dropping message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)))
		return
	}
	p.logger.Error("Failed to submit message",
		zap.String("topic", topic),
		zap.Error(err))
}

// HandleMessage runs one message through normalization, validation, alerting
// and buffering on the calling goroutine.
func (p *Pipeline) HandleMessage(ctx context.Context, topic string, payload []byte) {
	msg := p.normalizer.Normalize(topic, payload)

	if msg.Warning() {
		p.logger.Warn("Device reported danger status",
			zap.String("topic", topic),
			zap.String("sensor_id", msg.SensorID),
			zap.Int("stat", msg.DeviceStat))

		record := models.NotificationRecord{
			Kind:       models.KindDeviceStat,
			SensorID:   msg.SensorID,
			DeviceStat: msg.DeviceStat,
			Timestamp:  time.Now(),
		}
		if len(msg.Readings) > 0 {
			record.LocationID = msg.Readings[0].LocationID
			record.RelicsID = msg.Readings[0].RelicsID
			record.Timestamp = msg.Readings[0].Timestamp
		}
		p.notifier.Notify(models.TopicDeviceStat, record)
	}

	if len(msg.Readings) == 0 {
		return
	}
	if p.watchdog != nil {
		p.watchdog.Seen(msg.Readings[0])
	}

	for _, raw := range msg.Readings {
		reading, validated := p.validators.Apply(raw)

		label := "unvalidated"
		if validated {
			label = strings.ToLower(reading.Severity().Label())
			p.engine.Observe(ctx, reading)
		}
		ReadingsProcessed.WithLabelValues(string(reading.SensorType), label).Inc()

		if !p.buffer.Submit(reading) {
			p.logger.Warn("Ingestion buffer full, reading not persisted",
				zap.String("sensor_id", reading.SensorID),
				zap.String("sensor_type", string(reading.SensorType)))
		}

		record := models.ReadingNotification(reading)
		p.notifier.Notify(models.SensorTopic(reading.SensorType), record)
		p.notifier.Notify(models.TopicAllSensors, record)
	}
}

// Serve runs the worker pool until ctx is cancelled. Queued messages are
// processed before it returns, with a context that is not cancelled so their
// alerts can still be persisted.
func (p *Pipeline) Serve(ctx context.Context) error {
	if err := p.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	p.logger.Info("Ingestion pipeline started", zap.Int("workers", p.pool.Stats().Workers))

	<-ctx.Done()

	if err := p.pool.Stop(10 * time.Second); err != nil {
		p.logger.Warn("Worker pool did not stop cleanly", zap.Error(err))
	}
	p.logger.Info("Ingestion pipeline stopped", zap.Any("stats", p.pool.Stats()))
	return ctx.Err()
}
