package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Notification service metrics
var (
	NotificationsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_queued_total",
			Help: "Total number of notifications accepted for delivery",
		},
		[]string{"path", "priority"}, // queue, direct, fallback
	)

	NotificationsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_processed_total",
			Help: "Total number of queued notifications handled by outcome",
		},
		[]string{"outcome"}, // successful, failed, retried, malformed
	)

	NotificationRetryDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notification_retry_delay_seconds",
			Help:    "Backoff delay applied to retried notifications",
			Buckets: []float64{30, 60, 120, 240, 480},
		},
	)

	NotificationsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_requeued_total",
			Help: "Total number of notifications moved from the dead-letter queue back to the live queue",
		},
	)

	NotificationsArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_archived_total",
			Help: "Total number of notifications copied to the archive",
		},
		[]string{"reason"}, // malformed, exhausted
	)

	NotificationQueueMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_queue_messages",
			Help: "Messages in the notification queues from the last stats snapshot",
		},
		[]string{"queue", "state"}, // live|dead_letter, visible|in_flight|delayed
	)
)

// Worker metrics
var (
	WorkerBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_batches_total",
			Help: "Total number of batches run by the background worker",
		},
		[]string{"result"}, // ok, error, timeout, panic
	)

	WorkerBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_batch_duration_seconds",
			Help:    "Duration of a worker batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_running",
			Help: "1 while the background worker loop is running",
		},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_auth_failures_total",
			Help: "Total number of API authentication failures",
		},
	)
)
