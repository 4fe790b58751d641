package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
)

const keyPrefix = "offline:"

// redisClient is the slice of go-redis this store needs.
type redisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	LPop(ctx context.Context, key string) *goredis.StringCmd
	LLen(ctx context.Context, key string) *goredis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
}

// queuedEntry is the JSON shape stored per list element.
type queuedEntry struct {
	Alert      domain.AlertMessage `json:"alert"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// RedisStore is the Redis-backed offline queue: one list per user, oldest at
// the head. Survives restarts of this process; a circuit breaker hook on the
// client keeps a Redis outage from blocking broadcasts.
type RedisStore struct {
	client    redisClient
	clock     clockwork.Clock
	capacity  int
	retention time.Duration
}

// NewRedisStore creates a store around an existing client.
func NewRedisStore(client redisClient, clock clockwork.Clock, capacity int, retention time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisStore{
		client:    client,
		clock:     clock,
		capacity:  capacity,
		retention: retention,
	}, nil
}

func userQueueKey(userKey string) string {
	return keyPrefix + userKey
}

// Enqueue appends to the tail of the user's list and evicts from the head
// while over capacity. The key's TTL is refreshed to the retention window so
// fully abandoned queues disappear on their own.
func (s *RedisStore) Enqueue(ctx context.Context, userKey string, alert domain.AlertMessage) error {
	payload, err := json.Marshal(queuedEntry{Alert: alert, EnqueuedAt: s.clock.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal offline entry: %w", err)
	}

	key := userQueueKey(userKey)
	length, err := s.client.RPush(ctx, key, payload).Result()
	if err != nil {
		return fmt.Errorf("%w: rpush: %w", domain.ErrQueueUnavailable, err)
	}
	metrics.OfflineEnqueued.Inc()

	for length > int64(s.capacity) {
		if err := s.client.LPop(ctx, key).Err(); err != nil {
			return fmt.Errorf("%w: lpop evict: %w", domain.ErrQueueUnavailable, err)
		}
		metrics.OfflineEvicted.Inc()
		length--
	}

	if err := s.client.Expire(ctx, key, s.retention).Err(); err != nil {
		slog.Warn("Failed to refresh offline queue TTL", "user", userKey, "error", err)
	}
	return nil
}

// Drain destructively reads the user's list in FIFO order. Expired alerts
// and entries past retention are dropped.
func (s *RedisStore) Drain(ctx context.Context, userKey string) ([]domain.AlertMessage, error) {
	key := userQueueKey(userKey)

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange: %w", domain.ErrQueueUnavailable, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("%w: del: %w", domain.ErrQueueUnavailable, err)
	}

	now := s.clock.Now()
	cutoff := now.Add(-s.retention)

	alerts := make([]domain.AlertMessage, 0, len(raw))
	for _, item := range raw {
		var e queuedEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("Dropping undecodable offline entry", "user", userKey, "error", err)
			continue
		}
		if e.EnqueuedAt.Before(cutoff) || e.Alert.Expired(now) {
			continue
		}
		alerts = append(alerts, e.Alert)
	}
	return alerts, nil
}

// PurgeExpired walks all offline queues and rewrites each list without the
// entries past retention. Returns how many entries were removed.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	purged := 0

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: scan: %w", domain.ErrQueueUnavailable, err)
		}

		for _, key := range keys {
			n, err := s.purgeKey(ctx, key, cutoff)
			if err != nil {
				slog.Warn("Failed to purge offline queue", "key", key, "error", err)
				continue
			}
			purged += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if purged > 0 {
		metrics.OfflinePurged.Add(float64(purged))
	}
	return purged, nil
}

// purgeKey pops entries from the head while they are older than the cutoff.
// Entries are stored in enqueue order, so the head is always the oldest.
func (s *RedisStore) purgeKey(ctx context.Context, key string, cutoff time.Time) (int, error) {
	purged := 0
	for {
		head, err := s.client.LRange(ctx, key, 0, 0).Result()
		if err != nil {
			return purged, err
		}
		if len(head) == 0 {
			return purged, nil
		}

		var e queuedEntry
		if err := json.Unmarshal([]byte(head[0]), &e); err == nil && !e.EnqueuedAt.Before(cutoff) {
			return purged, nil
		}

		if err := s.client.LPop(ctx, key).Err(); err != nil {
			return purged, err
		}
		purged++
	}
}

var _ domain.OfflineQueue = (*RedisStore)(nil)
