package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Inbound transports
	MQTTBroker       string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTTopics       []string
	MQTTQoS          int
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string

	// Storage
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Notification sinks
	TelegramBotToken           string
	TelegramChatID             string
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string
	AlertWebhookURL            string
	HTTPAddr                   string

	// Ingestion
	BatchSize            int
	BatchFlushIntervalMs int
	BufferMaxPending     int
	SamplingRate         int // reserved, not used downstream
	WorkerCount          int
	WorkerQueueSize      int
	NotifyQueueSize      int

	// Thresholds for severity evaluation
	TemperatureWarn     float64
	TemperatureCritical float64
	HumidityWarn        float64
	HumidityCritical    float64
	GasWarn             float64
	GasCritical         float64
	LightMax            float64

	AlertCooldown        time.Duration
	SensorSilenceTimeout time.Duration

	// Aggregation and retention
	RetentionMonths    int
	HourlyCron         string
	DailyCron          string
	RetentionPurgeCron string
	JobTimeout         time.Duration
	Timezone           string

	LogLevel  string
	LogFormat string
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		MQTTBroker:       getEnv("MQTT_BROKER", ""),
		MQTTClientID:     getEnv("MQTT_CLIENT_ID", "relicwatch-ingest"),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),
		MQTTTopics:       getEnvList("MQTT_TOPICS", []string{"relics/showcase/+"}),
		MQTTQoS:          getEnvInt("MQTT_QOS", 1),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "relicwatch"),
		RabbitMQQueue:    getEnv("RABBITMQ_QUEUE", "sensor_data_queue"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		TelegramBotToken:           getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:             getEnv("TELEGRAM_CHAT_ID", ""),
		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		AlertWebhookURL:            getEnv("ALERT_WEBHOOK_URL", ""),
		HTTPAddr:                   getEnv("HTTP_ADDR", ":8080"),

		BatchSize:            getEnvInt("BATCH_SIZE", 100),
		BatchFlushIntervalMs: getEnvInt("BATCH_FLUSH_INTERVAL_MS", 30000),
		BufferMaxPending:     getEnvInt("BUFFER_MAX_PENDING", 100000),
		SamplingRate:         getEnvInt("SAMPLING_RATE", 10),
		WorkerCount:          getEnvInt("WORKER_COUNT", 4),
		WorkerQueueSize:      getEnvInt("WORKER_QUEUE_SIZE", 1000),
		NotifyQueueSize:      getEnvInt("NOTIFY_QUEUE_SIZE", 1024),

		// Default thresholds - can be overridden by env vars
		TemperatureWarn:     getEnvFloat("TEMPERATURE_WARN", 26.0),
		TemperatureCritical: getEnvFloat("TEMPERATURE_CRITICAL", 30.0),
		HumidityWarn:        getEnvFloat("HUMIDITY_WARN", 60.0),
		HumidityCritical:    getEnvFloat("HUMIDITY_CRITICAL", 70.0),
		GasWarn:             getEnvFloat("GAS_WARN", 400.0),
		GasCritical:         getEnvFloat("GAS_CRITICAL", 1000.0),
		LightMax:            getEnvFloat("LIGHT_MAX", 200.0),

		AlertCooldown:        getEnvDuration("ALERT_COOLDOWN", 0),
		SensorSilenceTimeout: getEnvDuration("SENSOR_SILENCE_TIMEOUT", 5*time.Minute),

		RetentionMonths:    getEnvInt("RETENTION_MONTHS", 3),
		HourlyCron:         getEnv("AGG_HOURLY_CRON", "1 * * * *"),
		DailyCron:          getEnv("AGG_DAILY_CRON", "10 0 * * *"),
		RetentionPurgeCron: getEnv("RETENTION_PURGE_CRON", "30 1 1 * *"),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
		Timezone:           getEnv("TIMEZONE", "Asia/Shanghai"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.BatchFlushIntervalMs <= 0 {
		return fmt.Errorf("BATCH_FLUSH_INTERVAL_MS must be positive, got %d", c.BatchFlushIntervalMs)
	}
	if c.BufferMaxPending < c.BatchSize {
		return fmt.Errorf("BUFFER_MAX_PENDING (%d) must be >= BATCH_SIZE (%d)", c.BufferMaxPending, c.BatchSize)
	}
	if c.WorkerCount <= 0 || c.WorkerQueueSize <= 0 {
		return fmt.Errorf("WORKER_COUNT and WORKER_QUEUE_SIZE must be positive")
	}
	if c.RetentionMonths <= 0 {
		return fmt.Errorf("RETENTION_MONTHS must be positive, got %d", c.RetentionMonths)
	}
	if c.AlertCooldown < 0 {
		return fmt.Errorf("ALERT_COOLDOWN must not be negative")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	return nil
}

// BatchFlushInterval returns the flush timer period.
func (c *Config) BatchFlushInterval() time.Duration {
	return time.Duration(c.BatchFlushIntervalMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
