package services

import (
	"context"
	"fmt"
	"time"

	"relicwatch/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTSubscriber subscribes to the configured topic filters and hands every
// message to the handler. Subscriptions are re-established on reconnect.
type MQTTSubscriber struct {
	config  *config.Config
	handler MessageHandler
	logger  *zap.Logger
}

func NewMQTTSubscriber(cfg *config.Config, handler MessageHandler, logger *zap.Logger) *MQTTSubscriber {
	return &MQTTSubscriber{config: cfg, handler: handler, logger: logger}
}

func (s *MQTTSubscriber) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.MQTTBroker)
	opts.SetClientID(s.config.MQTTClientID)

	if s.config.MQTTUsername != "" {
		opts.SetUsername(s.config.MQTTUsername)
	}
	if s.config.MQTTPassword != "" {
		opts.SetPassword(s.config.MQTTPassword)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(s.subscribeAll)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	return opts
}

func (s *MQTTSubscriber) subscribeAll(client mqtt.Client) {
	qos := byte(s.config.MQTTQoS)
	for _, topic := range s.config.MQTTTopics {
		token := client.Subscribe(topic, qos, s.onMessage)
		if token.Wait() && token.Error() != nil {
			s.logger.Error("Failed to subscribe to MQTT topic",
				zap.String("topic", topic),
				zap.Error(token.Error()))
			continue
		}
		s.logger.Info("Subscribed to MQTT topic",
			zap.String("topic", topic),
			zap.Uint8("qos", qos))
	}
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.handler(msg.Topic(), msg.Payload())
}

// Serve connects, consumes until ctx is cancelled and then disconnects.
func (s *MQTTSubscriber) Serve(ctx context.Context) error {
	client := mqtt.NewClient(s.options())

	s.logger.Info("Connecting to MQTT broker", zap.String("broker", s.config.MQTTBroker))
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	}

	<-ctx.Done()

	s.logger.Info("Disconnecting from MQTT broker")
	client.Disconnect(250)
	return ctx.Err()
}
