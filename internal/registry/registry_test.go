package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/ratelimit"
)

// fakeConn records written frames. blockCh, when set, makes WriteMessage
// block until the channel is closed.
type fakeConn struct {
	mu      sync.Mutex
	frames  []frame
	closed  bool
	blockCh chan struct{}
	failAll bool
}

type frame struct {
	messageType int
	data        []byte
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.blockCh != nil {
		<-f.blockCh
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return assert.AnError
	}
	f.frames = append(f.frames, frame{messageType, data})
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) textFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, fr := range f.frames {
		if fr.messageType == websocket.TextMessage {
			out = append(out, fr.data)
		}
	}
	return out
}

func (f *fakeConn) lastFrameType() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return 0
	}
	return f.frames[len(f.frames)-1].messageType
}

func newTestRegistry(t *testing.T, opts ratelimit.Options) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.NewLimiter(clock, opts)
	reg := NewRegistry(limiter, clock, nil)
	t.Cleanup(func() { reg.CloseAll("test over") })
	return reg, clock
}

func alice() domain.Identity {
	return domain.Identity{UserID: "alice"}
}

func TestRegister(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	assert.Equal(t, domain.StateActive, info.State)
	assert.Equal(t, "alice", info.Identity.UserID)

	got, ok := reg.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, info.ID, got.ID)
	assert.Len(t, reg.List(), 1)
}

func TestRegister_EnforcesConnectionCap(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{MaxConnectionsPerUser: 2})

	_, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)
	_, err = reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	_, err = reg.Register(alice(), domain.Filters{}, &fakeConn{})
	assert.ErrorIs(t, err, domain.ErrTooManyConnections)

	// Other users are unaffected.
	_, err = reg.Register(domain.Identity{UserID: "bob"}, domain.Filters{}, &fakeConn{})
	assert.NoError(t, err)
}

func TestClose_ReleasesConnectionSlot(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{MaxConnectionsPerUser: 1})

	info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	_, err = reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.ErrorIs(t, err, domain.ErrTooManyConnections)

	reg.Close(info.ID, "test")

	_, err = reg.Register(alice(), domain.Filters{}, &fakeConn{})
	assert.NoError(t, err)
}

func TestClose_IsIdempotent(t *testing.T) {
	var closeCalls int
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.NewLimiter(clock, ratelimit.Options{})
	reg := NewRegistry(limiter, clock, func(domain.ConnectionID) { closeCalls++ })

	info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	reg.Close(info.ID, "first")
	reg.Close(info.ID, "second")

	assert.Equal(t, 1, closeCalls)
	assert.Empty(t, reg.List())
	assert.Equal(t, 0, limiter.Connections("alice"))
}

func TestClose_SendsCloseFrame(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	conn := &fakeConn{}
	info, err := reg.Register(alice(), domain.Filters{}, conn)
	require.NoError(t, err)

	reg.Close(info.ID, "going away")

	assert.Equal(t, websocket.CloseMessage, conn.lastFrameType())
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestSend_PreservesOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	conn := &fakeConn{}
	info, err := reg.Register(alice(), domain.Filters{}, conn)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, reg.Send(ctx, info.ID, []byte("one")))
	require.NoError(t, reg.Send(ctx, info.ID, []byte("two")))
	require.NoError(t, reg.Send(ctx, info.ID, []byte("three")))

	require.Eventually(t, func() bool {
		return len(conn.textFrames()) == 3
	}, time.Second, 5*time.Millisecond)

	frames := conn.textFrames()
	assert.Equal(t, []byte("one"), frames[0])
	assert.Equal(t, []byte("two"), frames[1])
	assert.Equal(t, []byte("three"), frames[2])
}

func TestSend_UnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	err := reg.Send(context.Background(), domain.ConnectionID{}, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestSend_AfterClose(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	reg.Close(info.ID, "test")

	err = reg.Send(context.Background(), info.ID, []byte("late"))
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestSend_TimesOutWhenWriterStuck(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	blockCh := make(chan struct{})
	conn := &fakeConn{blockCh: blockCh}
	defer close(blockCh)

	info, err := reg.Register(alice(), domain.Filters{}, conn)
	require.NoError(t, err)

	// One message stalls in WriteMessage, the rest fill the buffer.
	for i := 0; i <= messageBufferSize; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = reg.Send(ctx, info.ID, []byte("fill"))
		cancel()
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = reg.Send(ctx, info.ID, []byte("overflow"))
	assert.ErrorIs(t, err, domain.ErrSendTimeout)
}

// Exercised under the race detector: Send must observe connection state while
// holding the registry lock, with Degrade and Close transitioning it
// concurrently.
func TestSend_ConcurrentWithStateTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	const conns = 8
	ids := make([]domain.ConnectionID, conns)
	for i := range ids {
		info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
		require.NoError(t, err)
		ids[i] = info.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(3)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = reg.Send(context.Background(), id, []byte("payload"))
			}
		}()
		go func() {
			defer wg.Done()
			reg.Degrade(id)
		}()
		go func() {
			defer wg.Done()
			reg.Close(id, "client disconnected")
		}()
	}
	wg.Wait()

	assert.Empty(t, reg.List())
}

func TestWriterFailureClosesConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	conn := &fakeConn{failAll: true}
	info, err := reg.Register(alice(), domain.Filters{}, conn)
	require.NoError(t, err)

	_ = reg.Send(context.Background(), info.ID, []byte("doomed"))

	require.Eventually(t, func() bool {
		_, ok := reg.Get(info.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDegradeAndTouchHealth(t *testing.T) {
	reg, clock := newTestRegistry(t, ratelimit.Options{})

	info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	reg.Degrade(info.ID)
	got, _ := reg.Get(info.ID)
	assert.Equal(t, domain.StateDegraded, got.State)

	// Degrading again is a no-op from Degraded.
	reg.Degrade(info.ID)
	got, _ = reg.Get(info.ID)
	assert.Equal(t, domain.StateDegraded, got.State)

	clock.Advance(time.Second)
	require.NoError(t, reg.TouchHealth(info.ID))

	got, _ = reg.Get(info.ID)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, clock.Now(), got.LastPong)
}

func TestTouchHealth_UnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	err := reg.TouchHealth(domain.ConnectionID{})
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestUpdateFilters(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	info, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	filters := domain.Filters{RiskThreshold: domain.RiskHigh}
	require.NoError(t, reg.UpdateFilters(info.ID, filters))

	got, _ := reg.Get(info.ID)
	assert.Equal(t, domain.RiskHigh, got.Filters.RiskThreshold)

	err = reg.UpdateFilters(domain.ConnectionID{}, filters)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestStale(t *testing.T) {
	reg, clock := newTestRegistry(t, ratelimit.Options{})

	old, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	fresh, err := reg.Register(domain.Identity{UserID: "bob"}, domain.Filters{}, &fakeConn{})
	require.NoError(t, err)

	stale := reg.Stale(5 * time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0])
	assert.NotEqual(t, fresh.ID, stale[0])
}

func TestCloseAll(t *testing.T) {
	reg, _ := newTestRegistry(t, ratelimit.Options{})

	for i := 0; i < 3; i++ {
		_, err := reg.Register(alice(), domain.Filters{}, &fakeConn{})
		require.NoError(t, err)
	}

	reg.CloseAll("shutdown")
	assert.Empty(t, reg.List())
}
