package services

import (
	"sync"

	"relicwatch/config"
	"relicwatch/models"
)

func testConfig() *config.Config {
	return &config.Config{
		BatchSize:            100,
		BatchFlushIntervalMs: 30000,
		BufferMaxPending:     10000,
		WorkerCount:          2,
		WorkerQueueSize:      64,
		NotifyQueueSize:      64,
		TemperatureWarn:      20,
		TemperatureCritical:  30,
		HumidityWarn:         60,
		HumidityCritical:     70,
		GasWarn:              400,
		GasCritical:          1000,
		LightMax:             200,
		RetentionMonths:      3,
		HourlyCron:           "1 * * * *",
		DailyCron:            "10 0 * * *",
		RetentionPurgeCron:   "30 1 1 * *",
		Timezone:             "UTC",
	}
}

// captureNotifier records notifications synchronously.
type captureNotifier struct {
	mu  sync.Mutex
	got []published
}

func (c *captureNotifier) Notify(topic string, record models.NotificationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, published{topic: topic, record: record})
}

func (c *captureNotifier) on(topic string) []models.NotificationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.NotificationRecord
	for _, p := range c.got {
		if p.topic == topic {
			out = append(out, p.record)
		}
	}
	return out
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}
