package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection registry metrics
var (
	// ActiveConnections tracks currently registered connections by state
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertstream_connections_current",
			Help: "Current registered connections by state",
		},
		[]string{"state"},
	)

	// ConnectionsTotal counts accepted connections
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_connections_total",
			Help: "Total accepted connections",
		},
	)

	// ConnectionsRejectedTotal counts rejected connection attempts by reason
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertstream_connections_rejected_total",
			Help: "Rejected connection attempts by reason",
		},
		[]string{"reason"},
	)

	// ConnectionStateTransitions counts connection state transitions
	ConnectionStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertstream_connection_state_transitions_total",
			Help: "Connection state transitions by target state",
		},
		[]string{"to"},
	)
)

// Broadcast engine metrics
var (
	// BroadcastsTotal counts published alerts
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_broadcasts_total",
			Help: "Total published alerts",
		},
	)

	// BroadcastDeliveries counts per-recipient delivery outcomes
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertstream_broadcast_deliveries_total",
			Help: "Per-recipient delivery outcomes (delivered/queued/failed)",
		},
		[]string{"outcome"},
	)

	// BroadcastLatency tracks end-to-end fan-out latency per alert
	BroadcastLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertstream_broadcast_latency_seconds",
			Help:    "End-to-end broadcast fan-out latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// SendRetriesTotal counts per-send retries
	SendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_send_retries_total",
			Help: "Per-send retry attempts",
		},
	)
)

// Rate limiting metrics
var (
	// RateLimitViolations counts message-rate violations
	RateLimitViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_rate_limit_violations_total",
			Help: "Message-rate limit violations",
		},
	)

	// BansTotal counts ban escalations
	BansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_bans_total",
			Help: "Users banned after repeated rate-limit violations",
		},
	)
)

// Offline queue metrics
var (
	// OfflineEnqueued counts alerts routed to the offline queue
	OfflineEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_offline_enqueued_total",
			Help: "Alerts routed to the offline queue",
		},
	)

	// OfflineReplayed counts alerts replayed on reconnect
	OfflineReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_offline_replayed_total",
			Help: "Offline-queued alerts replayed on reconnect",
		},
	)

	// OfflineEvicted counts entries evicted by the per-user cap
	OfflineEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_offline_evicted_total",
			Help: "Offline queue entries evicted by the per-user cap",
		},
	)

	// OfflineDropped counts alerts dropped because the store was unavailable
	OfflineDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_offline_dropped_total",
			Help: "Alerts dropped because the offline store was unavailable",
		},
	)

	// OfflinePurged counts entries removed by retention purges
	OfflinePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_offline_purged_total",
			Help: "Offline queue entries removed by retention purges",
		},
	)
)

// Health monitoring metrics
var (
	// PingsSent counts heartbeat pings sent
	PingsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_pings_sent_total",
			Help: "Heartbeat pings sent",
		},
	)

	// HeartbeatMisses counts missed heartbeat intervals
	HeartbeatMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_heartbeat_misses_total",
			Help: "Missed heartbeat intervals",
		},
	)

	// HeartbeatCloses counts connections closed for missed heartbeats
	HeartbeatCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertstream_heartbeat_closes_total",
			Help: "Connections closed after three missed heartbeats",
		},
	)
)

// Circuit breaker metrics
var (
	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertstream_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertstream_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
