package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epiwatch/alertstream/internal/domain"
)

func testAlert(title string) domain.AlertMessage {
	return domain.AlertMessage{
		ID:    uuid.New(),
		Level: domain.RiskHigh,
		Type:  "dengue_outbreak",
		Title: title,
	}
}

func TestMemoryStore_DrainIsFIFO(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 10, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("first")))
	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("second")))
	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("third")))

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, "first", alerts[0].Title)
	assert.Equal(t, "second", alerts[1].Title)
	assert.Equal(t, "third", alerts[2].Title)
}

func TestMemoryStore_DrainIsDestructive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 10, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("only")))

	first, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestMemoryStore_DrainUnknownUser(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock(), 10, 24*time.Hour)

	alerts, err := store.Drain(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestMemoryStore_CapEvictsOldest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 3, 24*time.Hour)
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.Enqueue(ctx, "alice", testAlert(title)))
	}

	assert.Equal(t, 3, store.Len("alice"))

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, "c", alerts[0].Title)
	assert.Equal(t, "d", alerts[1].Title)
	assert.Equal(t, "e", alerts[2].Title)
}

func TestMemoryStore_QueuesAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 2, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("for alice")))
	require.NoError(t, store.Enqueue(ctx, "bob", testAlert("for bob")))

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "for alice", alerts[0].Title)
	assert.Equal(t, 1, store.Len("bob"))
}

func TestMemoryStore_DrainDropsExpiredAlerts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 10, 24*time.Hour)
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

func TestMemoryStore_DrainDropsEntriesPastRetention(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("old")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("recent")))

	alerts, err := store.Drain(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "recent", alerts[0].Title)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "alice", testAlert("old")))
	require.NoError(t, store.Enqueue(ctx, "bob", testAlert("old too")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, store.Enqueue(ctx, "bob", testAlert("fresh")))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.Equal(t, 0, store.Len("alice"))
	assert.Equal(t, 1, store.Len("bob"))

	// Nothing left to purge.
	purged, err = store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}
