package services

import (
	"context"
	"fmt"
	"time"

	"relicwatch/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookService POSTs alert notifications to an HTTP endpoint.
type WebhookService struct {
	logger     *zap.Logger
	url        string
	httpClient *resty.Client
}

// WebhookPayload is the body sent for each alert transition.
type WebhookPayload struct {
	Alert     models.NotificationRecord `json:"alert"`
	Source    string                    `json:"source"`
	Timestamp time.Time                 `json:"timestamp"`
}

// NewWebhookService creates a webhook publisher for url.
func NewWebhookService(logger *zap.Logger, url string) *WebhookService {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "RelicWatch/1.0")

	return &WebhookService{
		logger:     logger,
		url:        url,
		httpClient: client,
	}
}

// Publish sends records on the alert topic and ignores the rest.
func (w *WebhookService) Publish(ctx context.Context, topic string, record models.NotificationRecord) error {
	if topic != models.TopicAlert {
		return nil
	}

	payload := WebhookPayload{
		Alert:     record,
		Source:    "relicwatch",
		Timestamp: record.Timestamp,
	}

	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		w.logger.Error("Failed to send alert webhook",
			zap.Error(err),
			zap.String("sensor_id", record.SensorID),
			zap.String("url", w.url))
		return fmt.Errorf("failed to send webhook: %w", err)
	}

	if resp.IsError() {
		w.logger.Error("Alert webhook returned error",
			zap.String("sensor_id", record.SensorID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("status", resp.Status()))
		return fmt.Errorf("webhook error: %s", resp.Status())
	}

	w.logger.Info("Alert webhook sent successfully",
		zap.String("sensor_id", record.SensorID),
		zap.String("alert_id", record.AlertID),
		zap.String("severity", record.Severity),
		zap.Int("status_code", resp.StatusCode()))
	return nil
}
