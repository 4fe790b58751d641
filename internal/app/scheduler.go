// Package app hosts the background scheduler: the periodic maintenance loops
// that keep the registry, stats snapshot, and offline queue healthy.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
	"github.com/epiwatch/alertstream/internal/platform/correlation"
)

// Registry is the slice of the connection registry the scheduler needs.
type Registry interface {
	List() []domain.ConnectionInfo
	Stale(maxAge time.Duration) []domain.ConnectionID
	Close(id domain.ConnectionID, reason string)
}

// DeliveryTotals reports cumulative broadcast counters for the snapshot.
type DeliveryTotals interface {
	Totals() (delivered, queued, failed uint64, avgLatency time.Duration)
}

// ViolationCounter reports cumulative rate-limit violations.
type ViolationCounter interface {
	Violations() uint64
}

// Intervals are the scheduler's independent timer periods.
type Intervals struct {
	Cleanup  time.Duration // stale connection sweep, default 5m
	Snapshot time.Duration // stats recompute, default 60s
	Purge    time.Duration // offline queue expiry purge, default 5m
}

func (i *Intervals) applyDefaults() {
	if i.Cleanup <= 0 {
		i.Cleanup = 5 * time.Minute
	}
	if i.Snapshot <= 0 {
		i.Snapshot = time.Minute
	}
	if i.Purge <= 0 {
		i.Purge = 5 * time.Minute
	}
}

// staleAge is how long a connection may go without a pong before the cleanup
// sweep closes it. Generous on purpose: the health monitor should always get
// there first.
const staleAge = 10 * time.Minute

// Scheduler runs the periodic maintenance loops on independent tickers.
type Scheduler struct {
	registry   Registry
	offline    domain.OfflineQueue
	totals     DeliveryTotals
	violations ViolationCounter
	clock      clockwork.Clock
	intervals  Intervals

	mu    sync.RWMutex
	stats domain.ConnectionStats
}

// NewScheduler creates a scheduler. totals and violations may be nil.
func NewScheduler(registry Registry, offline domain.OfflineQueue, totals DeliveryTotals, violations ViolationCounter, clock clockwork.Clock, intervals Intervals) *Scheduler {
	intervals.applyDefaults()
	return &Scheduler{
		registry:   registry,
		offline:    offline,
		totals:     totals,
		violations: violations,
		clock:      clock,
		intervals:  intervals,
	}
}

// Run starts all maintenance loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context)
	}{
		{"cleanup", s.intervals.Cleanup, s.cleanupTick},
		{"snapshot", s.intervals.Snapshot, s.snapshotTick},
		{"purge", s.intervals.Purge, s.purgeTick},
	}

	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, tick func(context.Context)) {
			defer wg.Done()
			ticker := s.clock.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					tick(correlation.Attach(ctx))
				}
			}
		}(loop.name, loop.interval, loop.tick)
	}

	wg.Wait()
}

// cleanupTick closes connections the health monitor missed.
func (s *Scheduler) cleanupTick(ctx context.Context) {
	stale := s.registry.Stale(staleAge)
	for _, id := range stale {
		s.registry.Close(id, "stale connection")
	}
	if len(stale) > 0 {
		slog.InfoContext(ctx, "Cleanup: closed stale connections", "count", len(stale))
	}
}

// snapshotTick recomputes the ConnectionStats snapshot. The snapshot is the
// only place stats are computed; readers get a read-only copy.
func (s *Scheduler) snapshotTick(ctx context.Context) {
	stats := domain.ConnectionStats{TakenAt: s.clock.Now()}

	users := make(map[string]struct{})
	for _, info := range s.registry.List() {
		switch info.State {
		case domain.StateActive:
			stats.ActiveConnections++
			stats.HealthyConnections++
		case domain.StateDegraded:
			stats.ActiveConnections++
			stats.DegradedConnections++
		}
		users[info.Identity.Key()] = struct{}{}
	}
	stats.UniqueUsers = len(users)

	if s.totals != nil {
		stats.MessagesDelivered, stats.MessagesQueued, stats.MessagesFailed, stats.AvgDeliveryLatency = s.totals.Totals()
	}
	if s.violations != nil {
		stats.RateLimitViolations = s.violations.Violations()
	}

	metrics.ActiveConnections.WithLabelValues(domain.StateActive.String()).Set(float64(stats.HealthyConnections))
	metrics.ActiveConnections.WithLabelValues(domain.StateDegraded.String()).Set(float64(stats.DegradedConnections))

	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()

	slog.DebugContext(ctx, "Stats snapshot",
		"active", stats.ActiveConnections,
		"healthy", stats.HealthyConnections,
		"users", stats.UniqueUsers,
	)
}

// purgeTick removes offline queue entries past the retention window.
func (s *Scheduler) purgeTick(ctx context.Context) {
	purged, err := s.offline.PurgeExpired(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Offline queue purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.InfoContext(ctx, "Purged expired offline entries", "count", purged)
	}
}

// Stats returns the latest snapshot.
func (s *Scheduler) Stats() domain.ConnectionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// SnapshotNow forces an immediate recompute. Used by get_stats when no
// snapshot has been taken yet.
func (s *Scheduler) SnapshotNow(ctx context.Context) domain.ConnectionStats {
	s.snapshotTick(ctx)
	return s.Stats()
}
