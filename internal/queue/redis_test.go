package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epiwatch/alertstream/internal/domain"
)

// fakeRedis implements the list operations the store uses over plain maps.
// failWith, when set, makes every command return that error.
type fakeRedis struct {
	lists    map[string][]string
	ttls     map[string]time.Duration
	failWith error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: make(map[string][]string),
		ttls:  make(map[string]time.Duration),
	}
}

func (f *fakeRedis) RPush(_ context.Context, key string, values ...interface{}) *goredis.IntCmd {
	if f.failWith != nil {
		return goredis.NewIntResult(0, f.failWith)
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], string(v.([]byte)))
	}
	return goredis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LPop(_ context.Context, key string) *goredis.StringCmd {
	if f.failWith != nil {
		return goredis.NewStringResult("", f.failWith)
	}
	list := f.lists[key]
	if len(list) == 0 {
		return goredis.NewStringResult("", goredis.Nil)
	}
	head := list[0]
	f.lists[key] = list[1:]
	if len(f.lists[key]) == 0 {
		delete(f.lists, key)
	}
	return goredis.NewStringResult(head, nil)
}

func (f *fakeRedis) LLen(_ context.Context, key string) *goredis.IntCmd {
	if f.failWith != nil {
		return goredis.NewIntResult(0, f.failWith)
	}
	return goredis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LRange(_ context.Context, key string, start, stop int64) *goredis.StringSliceCmd {
	if f.failWith != nil {
		return goredis.NewStringSliceResult(nil, f.failWith)
	}
	list := f.lists[key]
	if stop < 0 {
		stop = int64(len(list)) + stop
	}
	if start >= int64(len(list)) {
		return goredis.NewStringSliceResult(nil, nil)
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, list[i])
	}
	return goredis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	if f.failWith != nil {
		return goredis.NewIntResult(0, f.failWith)
	}
	var deleted int64
	for _, key := range keys {
		if _, ok := f.lists[key]; ok {
			delete(f.lists, key)
			deleted++
		}
	}
	return goredis.NewIntResult(deleted, nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	if f.failWith != nil {
		return goredis.NewBoolResult(false, f.failWith)
	}
	f.ttls[key] = expiration
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Scan(_ context.Context, _ uint64, _ string, _ int64) *goredis.ScanCmd {
	if f.failWith != nil {
		return goredis.NewScanCmdResult(nil, 0, f.failWith)
	}
	keys := make([]string, 0, len(f.lists))
	for key := range f.lists {
		keys = append(keys, key)
	}
	return goredis.NewScanCmdResult(keys, 0, nil)
}

func newTestRedisStore(t *testing.T, capacity int, retention time.Duration) (*RedisStore, *fakeRedis, *clockwork.FakeClock) {
	t.Helper()
	client := newFakeRedis()
	clock := clockwork.NewFakeClock()
	store, err := NewRedisStore(client, clock, capacity, retention)
	require.NoError(t, err)
	return store, client, clock
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := NewRedisStore(nil, clockwork.NewFakeClock(), 10, time.Hour)
	assert.Error(t, err)
}

func TestRedisStore_EnqueueAndDrain(t *testing.T) {
	store, client, _ := newTestRedisStore(t, 10, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("first")))
	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("second")))

	assert.Equal(t, 24*time.Hour, client.ttls["offline:alice"])

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "first", alerts[0].Title)
	assert.Equal(t, "second", alerts[1].Title)

	// Drain removed the list.
	again, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedisStore_CapEvictsOldest(t *testing.T) {
	store, _, _ := newTestRedisStore(t, 2, 24*time.Hour)
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c"} {
		require.NoError(t, store.Enqueue(ctx, "alice", testAlert(title)))
	}

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].Title)
	assert.Equal(t, "c", alerts[1].Title)
}

func TestRedisStore_DrainDropsExpiredAlerts(t *testing.T) {
	store, _, clock := newTestRedisStore(t, 10, 24*time.Hour)
	ctx := context.Background()

	expiresAt := clock.Now().Add(time.Hour)
	expiring := testAlert("expiring")
	expiring.ExpiresAt = &expiresAt

	require.NoError(t, store.Enqueue(ctx, "alice", expiring))
	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("durable")))

	clock.Advance(2 * time.Hour)

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "durable", alerts[0].Title)
}

func TestRedisStore_DrainSkipsUndecodableEntries(t *testing.T) {
	store, client, _ := newTestRedisStore(t, 10, 24*time.Hour)
	ctx := context.Background()

	client.lists["offline:alice"] = []string{"not json"}
	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("good")))

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "good", alerts[0].Title)
}

func TestRedisStore_PurgeExpired(t *testing.T) {
	store, _, clock := newTestRedisStore(t, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("old")))
	require.NoError(t, store.Enqueue(ctx, "bob", testAlert("old too")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, store.Enqueue(ctx, "bob", testAlert("fresh")))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	alerts, err := store.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fresh", alerts[0].Title)
}

func TestRedisStore_ErrorsWrapQueueUnavailable(t *testing.T) {
	store, client, _ := newTestRedisStore(t, 10, time.Hour)
	ctx := context.Background()

	client.failWith = assert.AnError

	err := store.Enqueue(ctx, "alice", testAlert("x"))
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)

	_, err = store.Drain(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)

	_, err = store.PurgeExpired(ctx)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}
