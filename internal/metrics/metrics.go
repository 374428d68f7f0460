package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Currently authenticated WebSocket sessions",
		},
	)

	SessionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sessions_refused_total",
			Help: "Connections closed during authentication",
		},
		[]string{"reason"}, // "no_credential", "rejected", "unavailable"
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Inbound frames discarded as malformed",
		},
	)

	// Delivery metrics
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Messages accepted by the delivery engine by outcome",
		},
		[]string{"path"}, // "live", "queued", "fallback", "persist_failed"
	)

	MessagesDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_drained_total",
			Help: "Offline queue entries delivered on reconnect",
		},
	)

	// Infrastructure metrics
	VerifierLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_verifier_latency_seconds",
			Help:    "Identity verifier round-trip latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_latency_seconds",
			Help:    "Conversation store and offline queue latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"op"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)
)
