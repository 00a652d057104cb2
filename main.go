package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"relicwatch/config"
	"relicwatch/log"
	"relicwatch/services"
	"relicwatch/storage"

	"github.com/go-redis/redis/v8"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// Initialize structured logger
	logger := log.Init(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}
	time.Local = loc

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()
	guarded := services.NewGuardedStore(store, 5, 30*time.Second, logger)

	cooldowns, closeCooldowns := openCooldowns(ctx, cfg, logger)
	defer closeCooldowns()

	// Core pipeline
	validators, err := services.NewValidatorRegistry(cfg)
	if err != nil {
		logger.Fatal("Invalid thresholds", zap.Error(err))
	}

	dispatcher := services.NewDispatcher(cfg.NotifyQueueSize, logger)
	engine := services.NewAlertEngine(guarded, validators, cooldowns, dispatcher, cfg.AlertCooldown, logger)
	buffer := services.NewIngestBuffer(cfg.BatchSize, cfg.BufferMaxPending)
	flusher := services.NewBatchWriterService(buffer, guarded, cfg.BatchFlushInterval(), logger)
	watchdog := services.NewSensorWatchdog(cfg.SensorSilenceTimeout, dispatcher, logger, nil)
	pipeline := services.NewPipeline(cfg, services.NewNormalizer(logger, nil), validators, engine, buffer, dispatcher, watchdog, logger)

	scheduler, err := services.NewAggregationScheduler(cfg, guarded, logger)
	if err != nil {
		logger.Fatal("Invalid aggregation settings", zap.Error(err))
	}

	// Notification publishers
	hub := services.NewWebSocketHub(logger)
	dispatcher.Register("websocket", hub)

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegramService, err := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		dispatcher.Register("telegram", telegramService)
		if err := telegramService.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	if cfg.FirebaseDbUrl != "" && cfg.FirebaseServiceAccountJSON != "" {
		firebaseService, err := services.NewFirebaseService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
		}
		defer firebaseService.Close()
		dispatcher.Register("firebase", firebaseService)
	}

	if cfg.AlertWebhookURL != "" {
		dispatcher.Register("webhook", services.NewWebhookService(logger, cfg.AlertWebhookURL))
		logger.Info("Alert webhook enabled", zap.String("url", cfg.AlertWebhookURL))
	}

	// Supervision tree
	tree := services.NewSupervisorTree(logger, services.DefaultTreeConfig())
	tree.Add(services.LayerEgress, "dispatcher", dispatcher)
	tree.Add(services.LayerEgress, "batch-flusher", flusher)
	tree.Add(services.LayerEgress, "aggregation", scheduler)
	tree.Add(services.LayerEgress, "websocket-hub", hub)
	tree.Add(services.LayerProcessing, "pipeline", pipeline)
	tree.Add(services.LayerProcessing, "watchdog", watchdog)

	health := func() services.HealthStatus {
		status := services.HealthStatus{
			Status:           "ok",
			StoreCircuit:     guarded.State().String(),
			BufferedReadings: buffer.Len(),
			ActiveAlerts:     len(engine.ActiveAlerts()),
		}
		if guarded.State() == gobreaker.StateOpen {
			status.Status = "degraded"
		}
		if wm := scheduler.Watermark(); !wm.IsZero() {
			status.RollupWatermark = &wm
		}
		return status
	}
	tree.Add(services.LayerEgress, "http", services.NewHTTPServer(cfg.HTTPAddr, engine, hub, health, logger))

	// Inbound transports
	if cfg.MQTTBroker != "" {
		tree.Add(services.LayerIngress, "mqtt", services.NewMQTTSubscriber(cfg, pipeline.OnMessage, logger))
	}

	if cfg.RabbitMQURL != "" {
		// With a direct MQTT subscription the broker bridge would deliver
		// every device message twice, so AMQP is then outbound only.
		var handler services.MessageHandler
		if cfg.MQTTBroker == "" {
			handler = pipeline.OnMessage
		}
		rabbitService, err := services.NewRabbitMQService(cfg, handler, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
		}
		defer rabbitService.Close()
		dispatcher.Register("rabbitmq", rabbitService)
		tree.Add(services.LayerIngress, "rabbitmq", rabbitService)
	}

	if cfg.MQTTBroker == "" && cfg.RabbitMQURL == "" {
		logger.Warn("No inbound transport configured, set MQTT_BROKER or RABBITMQ_URL")
	}

	tree.Start(ctx)

	logger.Info("RelicWatch telemetry service started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.BatchFlushInterval()),
		zap.Float64("temperature_warn", cfg.TemperatureWarn),
		zap.Float64("temperature_critical", cfg.TemperatureCritical),
		zap.Float64("humidity_warn", cfg.HumidityWarn),
		zap.Float64("humidity_critical", cfg.HumidityCritical),
		zap.Float64("gas_warn", cfg.GasWarn),
		zap.Float64("gas_critical", cfg.GasCritical),
		zap.Float64("light_max", cfg.LightMax),
		zap.Duration("alert_cooldown", cfg.AlertCooldown),
		zap.String("timezone", cfg.Timezone),
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping services")

	if err := tree.Stop(30 * time.Second); err != nil {
		logger.Error("Unclean shutdown", zap.Error(err))
	}
	logger.Info("RelicWatch telemetry service stopped")
}

// openStore returns PostgreSQL when DATABASE_URL is set and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}
	}

	pg, err := storage.NewPostgresStore(cfg.DatabaseURL, cfg.WorkerCount+4, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}
	logger.Info("PostgreSQL store ready")

	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Error("Error closing PostgreSQL", zap.Error(err))
		}
	}
}

// openCooldowns returns the Redis tracker when REDIS_ADDR is set so that
// cooldowns survive restarts, and the process-local tracker otherwise.
func openCooldowns(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.CooldownTracker, func()) {
	if cfg.RedisAddr == "" {
		return services.NewMemoryCooldowns(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	logger.Info("Redis cooldown tracker ready", zap.String("addr", cfg.RedisAddr))

	return storage.NewRedisCooldowns(client, logger), func() {
		if err := client.Close(); err != nil {
			logger.Error("Error closing Redis", zap.Error(err))
		}
	}
}
