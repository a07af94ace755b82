package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests created"})
	RideOutcomes   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_outcomes_total", Help: "Ride requests by terminal state"},
		[]string{"state"},
	)
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Time from request creation to accept"})
	NoCandidates     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "no_candidates_total", Help: "Searches that exhausted every radius without a candidate"})
	OffersSent       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Ride offers delivered to captains"})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "delivery_failures_total", Help: "Socket deliveries that failed"})

	CaptainsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "captains", Help: "Known captains by presence status"},
		[]string{"status"},
	)
	SocketConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "socket_connections", Help: "Open websocket connections"})
	LocationUpdates   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_total", Help: "Accepted captain location updates"})
	CheckpointDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "checkpoint_dropped_total", Help: "Ride checkpoints dropped because the queue was full"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
