package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "search_latency_seconds", Help: "Offer search latency seconds"})
	SearchResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "carpool",
		Name:      "search_results",
		Help:      "Candidates returned per search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "joins_total", Help: "Join attempts by outcome"},
		[]string{"outcome"},
	)
	JoinVersionRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "join_version_retries_total", Help: "Joins retried after an optimistic version clash"})
	BookingsCancelled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_cancelled_total", Help: "Bookings moved to cancelled"})
	OffersExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "offers_expired_total", Help: "Offers flipped to expired by the sweep"})

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "event_publish_failures_total", Help: "Domain events that could not be published"},
		[]string{"type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
