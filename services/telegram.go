package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"relicwatch/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// telegramSender is the part of tgbotapi.BotAPI the service uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramService pushes alert, device-stat and sensor-health notifications
// to a Telegram chat. Reading feeds are ignored.
type TelegramService struct {
	bot    telegramSender
	chatID int64
	logger *zap.Logger
}

func NewTelegramService(token, chatID string, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	if err := testTelegramConnection(bot, logger); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return &TelegramService{bot: bot, chatID: id, logger: logger}, nil
}

// testTelegramConnection tests Telegram connection with retry logic
func testTelegramConnection(bot *tgbotapi.BotAPI, logger *zap.Logger) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := bot.GetMe()
		if err == nil {
			logger.Info("Telegram connection successful")
			return nil
		}

		logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// Publish formats and sends notifications for the alert, device/stat and
// sensor/health topics.
func (ts *TelegramService) Publish(_ context.Context, topic string, record models.NotificationRecord) error {
	var message string
	switch topic {
	case models.TopicAlert:
		message = formatAlertMessage(record)
	case models.TopicDeviceStat:
		message = formatDeviceStatMessage(record)
	case models.TopicSensorHealth:
		message = formatSensorHealthMessage(record)
	default:
		return nil
	}

	if err := ts.send(message); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}

	ts.logger.Info("Sent telegram notification",
		zap.String("topic", topic),
		zap.String("sensor_id", record.SensorID),
		zap.String("kind", string(record.Kind)))
	return nil
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage() error {
	message := "🟢 <b>RelicWatch Monitoring Started</b>\n\n" +
		"📡 Receiving showcase sensor telemetry\n" +
		"🤖 Telegram notifications active\n\n" +
		"✅ System is ready and operational!"

	return ts.send(message)
}

func (ts *TelegramService) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := ts.bot.Send(msg)
	return err
}

func formatAlertMessage(r models.NotificationRecord) string {
	var sb strings.Builder

	if r.AlertStatus == models.AlertResolved {
		sb.WriteString("✅ <b>ALERT RESOLVED</b>\n\n")
	} else {
		sb.WriteString(fmt.Sprintf("%s <b>%s ALERT</b> %s\n\n", severityIcon(r.Severity), html.EscapeString(r.Severity), severityIcon(r.Severity)))
	}

	writeSensorHeader(&sb, r)
	sb.WriteString(fmt.Sprintf("📊 <b>Reading:</b> %.2f%s\n", r.Value, html.EscapeString(r.Unit)))
	if r.Threshold != nil {
		sb.WriteString(fmt.Sprintf("📏 <b>Threshold:</b> %.2f%s\n", *r.Threshold, html.EscapeString(r.Unit)))
	}
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", r.Timestamp.Format("2006-01-02 15:04:05")))
	if r.Message != "" {
		sb.WriteString(fmt.Sprintf("\n%s\n", html.EscapeString(r.Message)))
	}
	if r.AlertID != "" {
		sb.WriteString(fmt.Sprintf("\n🆔 <code>%s</code>", html.EscapeString(r.AlertID)))
	}
	return sb.String()
}

func formatDeviceStatMessage(r models.NotificationRecord) string {
	var sb strings.Builder
	sb.WriteString("⚠️ <b>DEVICE REPORTED DANGER</b> ⚠️\n\n")
	writeSensorHeader(&sb, r)
	sb.WriteString(fmt.Sprintf("🚦 <b>Status code:</b> %d\n", r.DeviceStat))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s", r.Timestamp.Format("2006-01-02 15:04:05")))
	return sb.String()
}

func formatSensorHealthMessage(r models.NotificationRecord) string {
	var sb strings.Builder
	if r.Kind == models.KindSensorRecovered {
		sb.WriteString("✅ <b>SENSOR RECOVERED</b> ✅\n\n")
	} else {
		sb.WriteString("⚠️ <b>SENSOR SILENT</b> ⚠️\n\n")
	}
	writeSensorHeader(&sb, r)
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", r.Timestamp.Format("2006-01-02 15:04:05")))
	if r.Message != "" {
		sb.WriteString(fmt.Sprintf("\n%s", html.EscapeString(r.Message)))
	}
	return sb.String()
}

func writeSensorHeader(sb *strings.Builder, r models.NotificationRecord) {
	sb.WriteString(fmt.Sprintf("📟 <b>Sensor:</b> %s", html.EscapeString(r.SensorID)))
	if r.SensorType != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", html.EscapeString(string(r.SensorType))))
	}
	sb.WriteString("\n")
	if r.LocationID != "" {
		sb.WriteString(fmt.Sprintf("📍 <b>Location:</b> %s\n", html.EscapeString(r.LocationID)))
	}
	if r.RelicsID != "" {
		sb.WriteString(fmt.Sprintf("🏺 <b>Relic:</b> %s\n", html.EscapeString(r.RelicsID)))
	}
}

func severityIcon(label string) string {
	switch label {
	case "CRITICAL":
		return "🔴"
	case "WARNING":
		return "🟠"
	default:
		return "🔵"
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
