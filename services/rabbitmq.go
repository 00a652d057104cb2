package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relicwatch/config"
	"relicwatch/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// mqttExchange is where the RabbitMQ MQTT plugin republishes device messages.
const mqttExchange = "amq.topic"

// MessageHandler receives a raw inbound message. It must not block.
type MessageHandler func(topic string, payload []byte)

// RabbitMQService consumes device telemetry bridged from MQTT through
// amq.topic and publishes outbound notifications to a topic exchange.
type RabbitMQService struct {
	config    *config.Config
	logger    *zap.Logger
	handler   MessageHandler
	reconnect chan bool
	isClosing atomic.Bool

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQService creates a new RabbitMQ service instance. handler may be
// nil when the service is only used for publishing.
func NewRabbitMQService(cfg *config.Config, handler MessageHandler, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		handler:   handler,
		reconnect: make(chan bool, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (r *RabbitMQService) connect() error {
	r.logger.Info("Connecting to RabbitMQ", zap.String("exchange", r.config.RabbitMQExchange))

	var conn *amqp.Connection
	var err error
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(10, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// Outbound notifications are routed by topic, '/' mapped to '.'.
	err = channel.ExchangeDeclare(
		r.config.RabbitMQExchange, // name
		"topic",                   // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	r.logger.Info("Exchange declared", zap.String("exchange", r.config.RabbitMQExchange))

	if r.handler != nil {
		if err := r.declareInbound(channel); err != nil {
			conn.Close()
			return err
		}
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.mu.Unlock()

	go r.handleReconnect(conn)

	return nil
}

func (r *RabbitMQService) declareInbound(channel *amqp.Channel) error {
	queue, err := channel.QueueDeclare(
		r.config.RabbitMQQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, filter := range r.config.MQTTTopics {
		key := mqttFilterToRoutingKey(filter)
		if err := channel.QueueBind(queue.Name, key, mqttExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
		}
		r.logger.Info("Queue bound to MQTT exchange",
			zap.String("queue", queue.Name),
			zap.String("exchange", mqttExchange),
			zap.String("routing_key", key))
	}
	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (r *RabbitMQService) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			select {
			case r.reconnect <- true:
			default:
			}
			return
		}

		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// Serve consumes inbound messages until ctx is cancelled.
func (r *RabbitMQService) Serve(ctx context.Context) error {
	if r.handler == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.Consume(ctx)
}

// Consume delivers queue messages to the handler. The handler never blocks,
// so every delivery is acknowledged after hand-off.
func (r *RabbitMQService) Consume(ctx context.Context) error {
	for {
		r.mu.RLock()
		channel := r.channel
		r.mu.RUnlock()

		msgs, err := channel.Consume(
			r.config.RabbitMQQueue, // queue
			"relicwatch",           // consumer tag
			false,                  // auto-ack
			false,                  // exclusive
			false,                  // no-local
			false,                  // no-wait
			nil,                    // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming messages from RabbitMQ",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return ctx.Err()

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-r.reconnect:
					}
					break consumeLoop
				}

				topic := routingKeyToTopic(msg.RoutingKey)
				r.logger.Debug("Received message from RabbitMQ",
					zap.String("topic", topic),
					zap.Int("size", len(msg.Body)))

				r.handler(topic, msg.Body)
				if err := msg.Ack(false); err != nil {
					r.logger.Warn("Failed to ack message", zap.Error(err))
				}
			}
		}
	}
}

// Publish sends a notification to the exchange as JSON.
func (r *RabbitMQService) Publish(ctx context.Context, topic string, record models.NotificationRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	r.mu.RLock()
	channel := r.channel
	r.mu.RUnlock()

	err = channel.PublishWithContext(ctx,
		r.config.RabbitMQExchange, // exchange
		topicToRoutingKey(topic),  // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    record.Timestamp,
			Type:         string(record.Kind),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	r.logger.Debug("Published notification to RabbitMQ",
		zap.String("topic", topic),
		zap.String("sensor_id", record.SensorID))
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}

// topicToRoutingKey maps an MQTT-style topic to an AMQP routing key.
func topicToRoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// routingKeyToTopic is the inverse mapping used by the MQTT plugin.
func routingKeyToTopic(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// mqttFilterToRoutingKey converts an MQTT subscription filter to a binding
// key: '/' becomes '.', '+' becomes '*', '#' is unchanged.
func mqttFilterToRoutingKey(filter string) string {
	parts := strings.Split(filter, "/")
	for i, p := range parts {
		if p == "+" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}
