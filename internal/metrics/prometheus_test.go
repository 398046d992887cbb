package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers on init; reaching this point means there was no
	// duplicate registration.
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"NotificationsQueuedTotal", NotificationsQueuedTotal},
		{"NotificationsProcessedTotal", NotificationsProcessedTotal},
		{"NotificationRetryDelay", NotificationRetryDelay},
		{"NotificationsRequeuedTotal", NotificationsRequeuedTotal},
		{"NotificationsArchivedTotal", NotificationsArchivedTotal},
		{"NotificationQueueMessages", NotificationQueueMessages},
		{"WorkerBatchesTotal", WorkerBatchesTotal},
		{"WorkerBatchDuration", WorkerBatchDuration},
		{"WorkerRunning", WorkerRunning},
		{"APIRequestsTotal", APIRequestsTotal},
		{"APIRequestDuration", APIRequestDuration},
		{"APIAuthFailuresTotal", APIAuthFailuresTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s is nil", tt.name)
			}
		})
	}
}

func TestCounterIncrements(t *testing.T) {
	NotificationsProcessedTotal.WithLabelValues("successful").Inc()
	NotificationsQueuedTotal.WithLabelValues("queue", "high").Inc()
	WorkerBatchesTotal.WithLabelValues("ok").Inc()
	APIRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	APIRequestDuration.WithLabelValues("GET", "/healthz").Observe(0.01)
	NotificationRetryDelay.Observe(30)
	WorkerRunning.Set(1)
	WorkerRunning.Set(0)
}
