package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "assignments_total", Help: "Total orders assigned to a driver"})
	EscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "escalations_total", Help: "Total orders escalated for manual assignment"})
	DeliveriesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "deliveries_total", Help: "Total completed deliveries"})
	HeartbeatsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "heartbeats_total", Help: "Total driver heartbeats accepted"})
	EventsAppended   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "events_appended_total", Help: "Total tracking events appended"})

	DriversWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_waiting", Help: "Drivers currently waiting per region"},
		[]string{"region"},
	)
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "feed_subscribers", Help: "Active live feed subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
