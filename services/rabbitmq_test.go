package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutingKeyMapping(t *testing.T) {
	assert.Equal(t, "sensor.temperature", topicToRoutingKey("sensor/temperature"))
	assert.Equal(t, "device.stat", topicToRoutingKey("device/stat"))
	assert.Equal(t, "alert", topicToRoutingKey("alert"))

	assert.Equal(t, "relics/showcase/S1", routingKeyToTopic("relics.showcase.S1"))
}

func TestMQTTFilterToRoutingKey(t *testing.T) {
	assert.Equal(t, "relics.showcase.*", mqttFilterToRoutingKey("relics/showcase/+"))
	assert.Equal(t, "relics.#", mqttFilterToRoutingKey("relics/#"))
	assert.Equal(t, "sensors", mqttFilterToRoutingKey("sensors"))
}
