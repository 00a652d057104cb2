package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relicwatch_messages_received_total",
			Help: "Inbound transport messages by outcome",
		},
		[]string{"outcome"}, // accepted, dropped
	)

	ReadingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relicwatch_readings_total",
			Help: "Normalized readings by sensor type and severity",
		},
		[]string{"sensor_type", "severity"},
	)

	BufferDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relicwatch_buffer_dropped_total",
			Help: "Readings rejected because the ingestion buffer was full",
		},
	)

	// Batch flushing
	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relicwatch_batch_flushes_total",
			Help: "Batch flushes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relicwatch_batch_size",
			Help:    "Readings per submitted batch",
			Buckets: []float64{1, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	ReadingsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relicwatch_readings_lost_total",
			Help: "Readings dropped because a batch write failed",
		},
	)

	// Alerts
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relicwatch_alert_transitions_total",
			Help: "Alert engine decisions by transition",
		},
		[]string{"transition"},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relicwatch_active_alerts",
			Help: "Alerts currently ACTIVE in the engine registry",
		},
	)

	// Notifications
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relicwatch_notifications_total",
			Help: "Notifications by publisher and result",
		},
		[]string{"publisher", "result"},
	)

	// Scheduled jobs
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relicwatch_job_duration_seconds",
			Help:    "Duration of aggregation and retention jobs",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"job"},
	)

	JobFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relicwatch_job_failures_total",
			Help: "Failed aggregation and retention job runs",
		},
		[]string{"job"},
	)
)
