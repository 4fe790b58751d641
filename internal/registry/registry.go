// Package registry owns the set of live connections and their metadata.
// Connections are mutated only through registry methods; the registry is the
// single source of truth for connection state.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
	"github.com/epiwatch/alertstream/internal/ratelimit"
)

// Conn is the transport handle the registry needs from a connection.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type connection struct {
	id        domain.ConnectionID
	identity  domain.Identity
	filters   domain.Filters
	state     domain.ConnectionState
	createdAt time.Time
	lastPong  time.Time
	writer    *clientWriter
}

func (c *connection) info() domain.ConnectionInfo {
	return domain.ConnectionInfo{
		ID:        c.id,
		Identity:  c.identity,
		Filters:   c.filters,
		State:     c.state,
		CreatedAt: c.createdAt,
		LastPong:  c.lastPong,
	}
}

// Registry is the connection registry. It consults the rate limiter for the
// per-user connection cap and notifies onClose when a connection reaches
// Closed, so the subscription index can purge memberships.
type Registry struct {
	mu      sync.RWMutex
	conns   map[domain.ConnectionID]*connection
	clock   clockwork.Clock
	limiter *ratelimit.Limiter
	onClose func(id domain.ConnectionID)
}

// NewRegistry creates a registry. onClose may be nil.
func NewRegistry(limiter *ratelimit.Limiter, clock clockwork.Clock, onClose func(id domain.ConnectionID)) *Registry {
	return &Registry{
		conns:   make(map[domain.ConnectionID]*connection),
		clock:   clock,
		limiter: limiter,
		onClose: onClose,
	}
}

// Register admits a new connection for the identity, enforcing the per-user
// connection cap and ban state. On success the connection is Active and its
// writer goroutine is running.
func (r *Registry) Register(identity domain.Identity, filters domain.Filters, conn Conn) (domain.ConnectionInfo, error) {
	if err := r.limiter.AcquireConnection(identity.Key()); err != nil {
		metrics.ConnectionsRejectedTotal.WithLabelValues(rejectionReason(err)).Inc()
		return domain.ConnectionInfo{}, err
	}

	now := r.clock.Now()
	id := uuid.New()

	c := &connection{
		id:        id,
		identity:  identity,
		filters:   filters,
		state:     domain.StateConnecting,
		createdAt: now,
		lastPong:  now,
	}
	c.writer = newClientWriter(conn, r.clock, func() {
		r.Close(id, "write failed")
	})

	r.mu.Lock()
	c.state = domain.StateActive
	r.conns[id] = c
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionStateTransitions.WithLabelValues(domain.StateActive.String()).Inc()

	slog.Debug("Connection registered",
		"connection_id", id.String(),
		"user", identity.Key(),
		"total_connections", total,
	)
	return c.info(), nil
}

// UpdateFilters replaces a connection's exact delivery filters.
func (r *Registry) UpdateFilters(id domain.ConnectionID, filters domain.Filters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	c.filters = filters
	return nil
}

// TouchHealth records a pong from the connection. A degraded connection is
// restored to Active.
func (r *Registry) TouchHealth(id domain.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	c.lastPong = r.clock.Now()
	if c.state == domain.StateDegraded {
		c.state = domain.StateActive
		metrics.ConnectionStateTransitions.WithLabelValues(domain.StateActive.String()).Inc()
	}
	return nil
}

// Degrade marks a connection Degraded after missed heartbeats.
// Only an Active connection can degrade.
func (r *Registry) Degrade(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok || c.state != domain.StateActive {
		return
	}
	c.state = domain.StateDegraded
	metrics.ConnectionStateTransitions.WithLabelValues(domain.StateDegraded.String()).Inc()
	slog.Info("Connection degraded", "connection_id", id.String(), "user", c.identity.Key())
}

// Close tears down a connection: Closing -> Closed, writer stopped, rate-limit
// slot released, memberships purged via onClose. Idempotent.
func (r *Registry) Close(id domain.ConnectionID, reason string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.state = domain.StateClosing
	delete(r.conns, id)
	r.mu.Unlock()

	metrics.ConnectionStateTransitions.WithLabelValues(domain.StateClosing.String()).Inc()

	c.writer.stopGraceful(reason)

	r.mu.Lock()
	c.state = domain.StateClosed
	r.mu.Unlock()

	metrics.ConnectionStateTransitions.WithLabelValues(domain.StateClosed.String()).Inc()
	r.limiter.ReleaseConnection(c.identity.Key())
	if r.onClose != nil {
		r.onClose(id)
	}

	slog.Debug("Connection closed", "connection_id", id.String(), "reason", reason)
}

// CloseAll closes every connection with the given reason. Used at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]domain.ConnectionID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id, reason)
	}
}

// Get returns a read-only view of a connection.
func (r *Registry) Get(id domain.ConnectionID) (domain.ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ConnectionInfo{}, false
	}
	return c.info(), true
}

// List returns a snapshot of all registered connections.
func (r *Registry) List() []domain.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.info())
	}
	return infos
}

// Send hands a payload to the connection's writer. It returns once the writer
// accepts the payload, the connection closes, or ctx expires. Accepting into
// the writer buffer is the delivery point for ordering purposes; the single
// writer goroutine drains it in order.
func (r *Registry) Send(ctx context.Context, id domain.ConnectionID, payload []byte) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	deliverable := ok && c.state.Deliverable()
	r.mu.RUnlock()

	if !deliverable {
		return domain.ErrConnectionClosed
	}

	select {
	case c.writer.sendCh <- payload:
		return nil
	case <-c.writer.doneCh:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return domain.ErrSendTimeout
	}
}

// Ping requests a heartbeat ping on the connection's writer.
func (r *Registry) Ping(id domain.ConnectionID) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return
	}
	c.writer.ping()
	metrics.PingsSent.Inc()
}

// Stale returns connections whose last pong is older than maxAge.
// Used by the background cleanup sweep as a safety net behind the
// health monitor.
func (r *Registry) Stale(maxAge time.Duration) []domain.ConnectionID {
	cutoff := r.clock.Now().Add(-maxAge)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []domain.ConnectionID
	for id, c := range r.conns {
		if c.lastPong.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

func rejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrBanned):
		return "banned"
	case errors.Is(err, domain.ErrTooManyConnections):
		return "too_many_connections"
	default:
		return "other"
	}
}
