// Package health runs the heartbeat loop: periodic pings over live
// connections and liveness classification from pong recency.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
)

// Registry is the slice of the connection registry the monitor needs.
type Registry interface {
	List() []domain.ConnectionInfo
	Ping(id domain.ConnectionID)
	Degrade(id domain.ConnectionID)
	Close(id domain.ConnectionID, reason string)
}

// Monitor pings every Active/Degraded connection each interval and classifies
// liveness from the last pong: two silent intervals degrade a connection,
// three close it. A pong at any point restores Active through the registry.
type Monitor struct {
	registry Registry
	clock    clockwork.Clock
	interval time.Duration
}

// NewMonitor creates a monitor with the given ping interval.
func NewMonitor(registry Registry, clock clockwork.Clock, interval time.Duration) *Monitor {
	return &Monitor{
		registry: registry,
		clock:    clock,
		interval: interval,
	}
}

// Run starts the heartbeat loop. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep runs one heartbeat pass over all live connections.
func (m *Monitor) Sweep() {
	now := m.clock.Now()

	for _, info := range m.registry.List() {
		if !info.State.Deliverable() {
			continue
		}

		silence := now.Sub(info.LastPong)
		switch {
		case silence >= 3*m.interval:
			metrics.HeartbeatCloses.Inc()
			slog.Info("Closing unresponsive connection",
				"connection_id", info.ID.String(),
				"user", info.Identity.Key(),
				"silence", silence,
			)
			m.registry.Close(info.ID, "missed heartbeats")
			continue
		case silence >= 2*m.interval:
			metrics.HeartbeatMisses.Inc()
			m.registry.Degrade(info.ID)
		}

		m.registry.Ping(info.ID)
	}
}
