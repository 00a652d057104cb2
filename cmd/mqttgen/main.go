package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	rps         = flag.Int("rps", 1, "Messages per second across all sensors")
	sensors     = flag.Int("sensors", 3, "Number of simulated showcase sensors")
	locationID  = flag.String("location", "hall-1", "location_id carried in every payload")
	anomaly     = flag.Float64("anomaly", 0.1, "Probability of an out-of-range reading (0.0-1.0)")
	mqttBroker  = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser    = flag.String("user", "", "MQTT username")
	mqttPass    = flag.String("pass", "", "MQTT password")
	topicPrefix = flag.String("topic-prefix", "relics/showcase", "Topic prefix; the sensor id is appended as showcase_<id>")
)

// ShowcasePayload is the flat JSON a showcase controller publishes.
type ShowcasePayload struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Gas         float64 `json:"gas"`
	Light       float64 `json:"light"`
	Stat        int     `json:"stat"`
	LocationID  string  `json:"location_id"`
	RelicsID    string  `json:"relics_id"`
}

type MockDataGenerator struct {
	anomalyProbability float64
	baseTemp           float64
	baseHumidity       float64
	baseGas            float64
	baseLight          float64
}

func NewMockDataGenerator(anomalyProb float64) *MockDataGenerator {
	return &MockDataGenerator{
		anomalyProbability: anomalyProb,
		baseTemp:           21.0,
		baseHumidity:       50.0,
		baseGas:            250.0,
		baseLight:          80.0,
	}
}

// Generate returns a payload and whether an anomaly was injected.
func (m *MockDataGenerator) Generate(relicsID string) (ShowcasePayload, bool) {
	isAnomaly := rand.Float64() < m.anomalyProbability

	temperature := m.baseTemp + rand.Float64()*2.0 - 1.0
	humidity := m.baseHumidity + rand.Float64()*6.0 - 3.0
	gas := m.baseGas + rand.Float64()*60.0 - 30.0
	light := m.baseLight + rand.Float64()*20.0 - 10.0
	stat := 0

	if isAnomaly {
		switch rand.Intn(4) {
		case 0:
			temperature = 27.0 + rand.Float64()*6.0
		case 1:
			humidity = 62.0 + rand.Float64()*15.0
		case 2:
			gas = 450.0 + rand.Float64()*800.0
		case 3:
			light = 220.0 + rand.Float64()*100.0
		}
		if rand.Float64() < 0.2 {
			stat = 1
		}
	}

	return ShowcasePayload{
		Temperature: math.Round(temperature*10) / 10,
		Humidity:    math.Round(humidity*10) / 10,
		Gas:         math.Round(gas),
		Light:       math.Round(light),
		Stat:        stat,
		LocationID:  *locationID,
		RelicsID:    relicsID,
	}, isAnomaly
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *rps <= 0 || *sensors <= 0 {
		logger.Fatal("rps and sensors must be positive")
	}

	logger.Info("MQTT showcase generator started",
		zap.Int("sensors", *sensors),
		zap.Int("rps", *rps),
		zap.Float64("anomaly_probability", *anomaly),
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("topic_prefix", *topicPrefix),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("relicwatch-mqttgen-%d", os.Getpid()))
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	gen := NewMockDataGenerator(*anomaly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping generator")
		cancel()
	}()

	interval := time.Second / time.Duration(*rps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	messageCount := 0
	anomalyCount := 0
	next := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			logger.Info("Shutting down",
				zap.Int("total_messages", messageCount),
				zap.Int("anomalies_generated", anomalyCount),
				zap.Duration("total_uptime", elapsed),
				zap.Float64("avg_rate", float64(messageCount)/elapsed.Seconds()),
			)
			return

		case <-ticker.C:
			sensorID := fmt.Sprintf("S%d", next%*sensors+1)
			next++

			payload, isAnomaly := gen.Generate("relic-" + sensorID)
			if isAnomaly {
				anomalyCount++
			}

			jsonData, err := json.Marshal(payload)
			if err != nil {
				logger.Error("Failed to marshal payload", zap.Error(err))
				continue
			}

			topic := fmt.Sprintf("%s/showcase_%s", *topicPrefix, sensorID)
			token := mqttClient.Publish(topic, 1, false, jsonData)
			if token.Wait() && token.Error() != nil {
				logger.Error("Failed to publish MQTT message",
					zap.Error(token.Error()),
					zap.Int("message_count", messageCount))
				continue
			}

			messageCount++
			if messageCount%100 == 0 {
				logger.Info("MQTT messages published",
					zap.Int("count", messageCount),
					zap.Int("anomalies", anomalyCount),
					zap.Float64("rate", float64(messageCount)/time.Since(startTime).Seconds()),
				)
			}
			logger.Debug("Published MQTT message",
				zap.String("topic", topic),
				zap.Bool("is_anomaly", isAnomaly),
				zap.ByteString("data", jsonData))

		case <-statsTicker.C:
			anomalyRate := 0.0
			if messageCount > 0 {
				anomalyRate = float64(anomalyCount) / float64(messageCount) * 100
			}
			logger.Info("Statistics",
				zap.Int("total_messages", messageCount),
				zap.Int("anomalies", anomalyCount),
				zap.Float64("anomaly_rate_percent", anomalyRate),
				zap.Duration("uptime", time.Since(startTime)),
			)
		}
	}
}
