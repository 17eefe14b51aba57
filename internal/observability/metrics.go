package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_rideshare"

var (
	TxCommitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tx_committed_total", Help: "Store transactions committed"})
	TxRetried   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tx_retried_total", Help: "Store transactions retried after a conflict"})
	TxAborted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tx_aborted_total", Help: "Store transactions rolled back"})

	RequestsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_created_total", Help: "Ride requests created"})
	BookingsConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_confirmed_total", Help: "Bookings confirmed"},
		[]string{"auto"},
	)
	BookingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_failures_total", Help: "Booking operations rejected by domain rules"},
		[]string{"op", "code"},
	)

	MatchesRecomputed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_recomputed_total", Help: "Rider match lists recomputed"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match recompute latency seconds"})

	SearchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "searches_total", Help: "Paginated searches served"})
	SearchesThrottled = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "searches_throttled_total", Help: "Paginated searches rejected by the rate limiter"})

	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "outbox_dispatched_total", Help: "Outbox effects dispatched"},
		[]string{"kind"},
	)
	OutboxFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "outbox_failures_total", Help: "Outbox effects that failed to dispatch"})
	OutboxDeadLettered = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "outbox_dead_lettered_total", Help: "Outbox effects given up after max attempts"})

	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
