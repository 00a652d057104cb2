package services

import (
	"testing"

	"relicwatch/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte         { return 1 }
func (m fakeMQTTMessage) Retained() bool    { return false }
func (m fakeMQTTMessage) Topic() string     { return m.topic }
func (m fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m fakeMQTTMessage) Ack()              {}

func TestMQTTSubscriber_ForwardsMessages(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	s := NewMQTTSubscriber(&config.Config{}, func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}, zap.NewNop())

	s.onMessage(nil, fakeMQTTMessage{topic: "relics/showcase/S1", payload: []byte(`{"tem":21}`)})

	assert.Equal(t, "relics/showcase/S1", gotTopic)
	assert.JSONEq(t, `{"tem":21}`, string(gotPayload))
}

func TestMQTTSubscriber_Options(t *testing.T) {
	cfg := &config.Config{
		MQTTBroker:   "tcp://broker:1883",
		MQTTClientID: "relicwatch-test",
		MQTTUsername: "user",
		MQTTPassword: "secret",
	}
	opts := NewMQTTSubscriber(cfg, func(string, []byte) {}, zap.NewNop()).options()

	assert.Equal(t, "relicwatch-test", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	if assert.Len(t, opts.Servers, 1) {
		assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	}
}
