package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesTotal counts delivery attempts by sink and outcome (sent, failed).
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_deliveries_total",
		Help: "Total number of delivery attempts by sink and outcome.",
	}, []string{"sink", "outcome"})

	// DeliveryDuration tracks how long a single sink call takes.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sink_delivery_duration_seconds",
		Help:    "Duration of sink delivery calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
)
