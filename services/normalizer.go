package services

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"relicwatch/models"

	"go.uber.org/zap"
)

// statField carries the device-reported danger level.
const statField = "stat"

// Metadata string fields copied onto every reading of a message.
const (
	locationField = "location_id"
	relicsField   = "relics_id"
)

var fieldTypes = map[string]models.SensorType{
	"temperature": models.SensorTemperature,
	"temp":        models.SensorTemperature,
	"humidity":    models.SensorHumidity,
	"hum":         models.SensorHumidity,
	"gas":         models.SensorGas,
	"co2":         models.SensorGas,
	"voc":         models.SensorGas,
	"light":       models.SensorLight,
	"lux":         models.SensorLight,
	"illuminance": models.SensorLight,
}

// NormalizedMessage is the result of parsing one inbound message.
type NormalizedMessage struct {
	Topic    string
	SensorID string
	Readings []models.SensorReading
	// DeviceStat is the device-reported danger level, 0 when absent.
	DeviceStat int
}

// Warning reports whether the device flagged the message as dangerous.
func (m NormalizedMessage) Warning() bool {
	return m.DeviceStat != 0
}

// Normalizer turns raw transport messages into typed readings.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewNormalizer creates a normalizer. A nil clock uses time.Now.
func NewNormalizer(logger *zap.Logger, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{logger: logger, now: now}
}

// SensorIDFromTopic takes the segment after the last '/' and, within it, the
// text after the last '_'. An empty result falls back to the whole topic.
//
//	museum/hall1/showcase_S1 -> S1
//	env_S2                   -> S2
//	S3                       -> S3
func SensorIDFromTopic(topic string) string {
	seg := topic
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.LastIndex(seg, "_"); i >= 0 {
		seg = seg[i+1:]
	}
	if seg == "" {
		return topic
	}
	return seg
}

// SensorTypeForField maps a payload field name to a sensor type.
func SensorTypeForField(field string) models.SensorType {
	if t, ok := fieldTypes[strings.ToLower(field)]; ok {
		return t
	}
	return models.SensorType(field)
}

// Normalize parses payload into one reading per numeric field other than stat.
// It never fails: unparseable payloads yield an empty message.
func (n *Normalizer) Normalize(topic string, payload []byte) NormalizedMessage {
	msg := NormalizedMessage{Topic: topic, SensorID: SensorIDFromTopic(topic)}

	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		n.logger.Warn("Failed to parse sensor payload",
			zap.String("topic", topic),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err))
		return msg
	}

	location, _ := fields[locationField].(string)
	relics, _ := fields[relicsField].(string)
	ts := n.now()

	// Sorted so the reading order is stable for a given payload.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		num, ok := fields[name].(json.Number)
		if !ok {
			continue
		}

		if name == statField {
			if stat, err := num.Int64(); err == nil {
				msg.DeviceStat = int(stat)
			} else if f, err := num.Float64(); err == nil {
				msg.DeviceStat = int(f)
			}
			continue
		}

		value, err := num.Float64()
		if err != nil {
			n.logger.Debug("Ignoring out of range field",
				zap.String("topic", topic),
				zap.String("field", name))
			continue
		}

		sensorType := SensorTypeForField(name)
		msg.Readings = append(msg.Readings, models.SensorReading{
			SensorID:   msg.SensorID,
			SensorType: sensorType,
			Value:      value,
			Unit:       sensorType.Unit(),
			Timestamp:  ts,
			LocationID: location,
			RelicsID:   relics,
		})
	}

	return msg
}
