package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
)

type entry struct {
	alert      domain.AlertMessage
	enqueuedAt time.Time
}

// MemoryStore is the in-memory offline queue. Mutations are atomic per store;
// per-user FIFO order is the slice order.
type MemoryStore struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	capacity  int
	retention time.Duration
	queues    map[string][]entry
}

// NewMemoryStore creates a store with the given per-user capacity and
// retention window.
func NewMemoryStore(clock clockwork.Clock, capacity int, retention time.Duration) *MemoryStore {
	return &MemoryStore{
		clock:     clock,
		capacity:  capacity,
		retention: retention,
		queues:    make(map[string][]entry),
	}
}

// Enqueue appends an alert to the user's queue, evicting the oldest entry
// first when the queue is at capacity. Overflow is not an error.
func (s *MemoryStore) Enqueue(_ context.Context, userKey string, alert domain.AlertMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[userKey]
	if len(q) >= s.capacity {
		evict := len(q) - s.capacity + 1
		q = q[evict:]
		metrics.OfflineEvicted.Add(float64(evict))
	}
	s.queues[userKey] = append(q, entry{alert: alert, enqueuedAt: s.clock.Now()})
	metrics.OfflineEnqueued.Inc()
	return nil
}

// Drain destructively reads the user's queue in FIFO order. Expired alerts
// and entries past retention are dropped rather than returned.
func (s *MemoryStore) Drain(_ context.Context, userKey string) ([]domain.AlertMessage, error) {
	s.mu.Lock()
	q := s.queues[userKey]
	delete(s.queues, userKey)
	s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-s.retention)

	alerts := make([]domain.AlertMessage, 0, len(q))
	for _, e := range q {
		if e.enqueuedAt.Before(cutoff) || e.alert.Expired(now) {
			continue
		}
		alerts = append(alerts, e.alert)
	}
	return alerts, nil
}

// PurgeExpired removes entries older than the retention window and returns
// how many were removed.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.retention)
	purged := 0

	for userKey, q := range s.queues {
		kept := q[:0]
		for _, e := range q {
			if e.enqueuedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.queues, userKey)
		} else {
			s.queues[userKey] = kept
		}
	}

	if purged > 0 {
		metrics.OfflinePurged.Add(float64(purged))
	}
	return purged, nil
}

// Len returns the user's current queue depth.
func (s *MemoryStore) Len(userKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[userKey])
}

var _ domain.OfflineQueue = (*MemoryStore)(nil)
