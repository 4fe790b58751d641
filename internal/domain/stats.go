package domain

import "time"

// ConnectionStats is a read-only snapshot of delivery health, recomputed
// periodically by the background scheduler. Never hand-mutated elsewhere.
type ConnectionStats struct {
	ActiveConnections   int           `json:"active_connections"`
	HealthyConnections  int           `json:"healthy_connections"`
	DegradedConnections int           `json:"degraded_connections"`
	UniqueUsers         int           `json:"unique_users"`
	AvgDeliveryLatency  time.Duration `json:"avg_delivery_latency_ms"`
	MessagesDelivered   uint64        `json:"messages_delivered"`
	MessagesQueued      uint64        `json:"messages_queued"`
	MessagesFailed      uint64        `json:"messages_failed"`
	RateLimitViolations uint64        `json:"rate_limit_violations"`
	TakenAt             time.Time     `json:"taken_at"`
}
