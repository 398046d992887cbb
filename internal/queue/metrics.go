package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics for Prometheus monitoring.
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_messages_visible",
			Help: "Approximate number of visible messages per queue, refreshed on each stats call",
		},
		[]string{"queue"},
	)

	MessagesEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_enqueued_total",
			Help: "Total number of messages sent to a queue",
		},
		[]string{"queue"},
	)

	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_received_total",
			Help: "Total number of messages leased from a queue",
		},
		[]string{"queue"},
	)

	MessagesRedrivenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_redriven_total",
			Help: "Total number of messages moved to a dead-letter queue by the store",
		},
		[]string{"queue"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_store_errors_total",
			Help: "Total number of failed store operations",
		},
		[]string{"operation"},
	)
)
