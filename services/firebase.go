package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relicwatch/config"
	"relicwatch/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// liveRoot is the realtime database node holding the latest record per
// topic and sensor.
const liveRoot = "live"

// liveStore is the part of the realtime database the mirror needs.
type liveStore interface {
	Set(ctx context.Context, path string, v interface{}) error
	Get(ctx context.Context, path string, v interface{}) error
}

type dbLiveStore struct {
	client *db.Client
}

func (s dbLiveStore) Set(ctx context.Context, path string, v interface{}) error {
	return s.client.NewRef(path).Set(ctx, v)
}

func (s dbLiveStore) Get(ctx context.Context, path string, v interface{}) error {
	return s.client.NewRef(path).Get(ctx, v)
}

// FirebaseService mirrors the latest notification of each sensor to
// live/{topic}/{sensorId} in the Firebase realtime database.
type FirebaseService struct {
	store  liveStore
	logger *zap.Logger
}

func NewFirebaseService(cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	ctx := context.Background()

	// Parse the service account JSON from environment variable
	serviceAccountJSON := []byte(cfg.FirebaseServiceAccountJSON)

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON(serviceAccountJSON)
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseService{
		store:  dbLiveStore{client: client},
		logger: logger,
	}

	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		err := fs.store.Get(ctx, liveRoot, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

// Publish overwrites the live node of the record's sensor under topic.
func (fs *FirebaseService) Publish(ctx context.Context, topic string, record models.NotificationRecord) error {
	if record.SensorID == "" {
		return nil
	}

	path := livePath(topic, record.SensorID)
	if err := fs.store.Set(ctx, path, record); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}

	fs.logger.Debug("Mirrored notification to Firebase", zap.String("path", path))
	return nil
}

// Latest returns the mirrored record for a sensor on a topic.
func (fs *FirebaseService) Latest(ctx context.Context, topic, sensorID string) (*models.NotificationRecord, error) {
	var record *models.NotificationRecord
	if err := fs.store.Get(ctx, livePath(topic, sensorID), &record); err != nil {
		return nil, fmt.Errorf("error reading live record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("no live record for sensor %s on %s", sensorID, topic)
	}
	return record, nil
}

// Close closes the Firebase connection
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	return nil
}

// livePath builds live/{topic}/{sensorId}. Characters the realtime database
// rejects in keys are replaced with '_'.
func livePath(topic, sensorID string) string {
	return liveRoot + "/" + topic + "/" + firebaseKeyReplacer.Replace(sensorID)
}

var firebaseKeyReplacer = strings.NewReplacer(".", "_", "#", "_", "$", "_", "[", "_", "]", "_", "/", "_")
