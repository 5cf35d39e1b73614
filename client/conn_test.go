package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exoview/collab/pkg/protocol"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    []protocol.Message
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	msg, ok := protocol.Decode(data)
	if !ok {
		return errors.New("fake conn got an undecodable frame")
	}
	c.mu.Lock()
	c.frames = append(c.frames, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.frames...)
}

func (c *fakeConn) push(msg protocol.Message) {
	c.inbound <- protocol.Encode(msg)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu           sync.Mutex
	failAll      bool
	dials        int
	conns        []*fakeConn
	beforeReturn func()
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.failAll {
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	hook := d.beforeReturn
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// timerCapture replaces time.AfterFunc so tests drive reconnects by
// hand and observe the scheduled delays.
type timerCapture struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (tc *timerCapture) hook(d time.Duration, f func()) *time.Timer {
	tc.mu.Lock()
	tc.delays = append(tc.delays, d)
	tc.fns = append(tc.fns, f)
	tc.mu.Unlock()
	return time.AfterFunc(time.Hour, func() {}) // never fires on its own
}

func (tc *timerCapture) fire(i int) {
	tc.mu.Lock()
	f := tc.fns[i]
	tc.mu.Unlock()
	f()
}

func (tc *timerCapture) scheduled() []time.Duration {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]time.Duration(nil), tc.delays...)
}

func newTestManager(t *testing.T, d Dialer) (*Manager, *timerCapture) {
	t.Helper()
	store := NewIdentityStore(afero.NewMemMapFs(), "identity.json")
	m := NewManager(Options{
		URL:               "ws://test.invalid/ws",
		Store:             store,
		Dialer:            d,
		HeartbeatInterval: time.Hour, // keep heartbeats out of most tests
	})
	tc := &timerCapture{}
	m.newTimer = tc.hook
	return m, tc
}

func TestManager_BackoffDoublesUpToCap(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m, tc := newTestManager(t, d)

	err := m.Connect(context.Background(), "R1")
	require.Error(t, err)

	// Four more failed attempts driven by hand.
	for i := 0; i < 4; i++ {
		tc.fire(i)
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		15000 * time.Millisecond, // capped
	}
	assert.Equal(t, want, tc.scheduled())
	assert.Equal(t, 5, d.dialCount())
}

func TestManager_AttemptCounterResetsOnOpen(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m, tc := newTestManager(t, d)

	_ = m.Connect(context.Background(), "R1")
	tc.fire(0) // second failure: attempt now 2

	d.mu.Lock()
	d.failAll = false
	d.mu.Unlock()
	tc.fire(1) // succeeds, attempt resets

	// Kill the live connection; the next delay starts at base again.
	d.mu.Lock()
	d.failAll = true
	d.mu.Unlock()
	d.lastConn().Close()

	deadline := time.After(time.Second)
	for len(tc.scheduled()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("reconnect never scheduled after close")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, 1000*time.Millisecond, tc.scheduled()[2])
}

func TestManager_QueueFlushesFIFOAfterOpen(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	// Queued while idle: nothing may be lost.
	m.Send(protocol.Message{Type: protocol.TypeSelect, PlanetID: "Mars", UserID: m.UserID()})
	m.Send(protocol.Message{Type: protocol.TypeJoinViewer, PlanetID: "Mars", UserID: m.UserID()})
	m.Send(protocol.Message{Type: protocol.TypeUnselect, PlanetID: "Mars", UserID: m.UserID()})

	require.NoError(t, m.Connect(context.Background(), "R1"))

	frames := d.lastConn().sent()
	require.Len(t, frames, 4)
	assert.Equal(t, protocol.TypeJoin, frames[0].Type, "join goes out first on open")
	assert.Equal(t, protocol.TypeSelect, frames[1].Type)
	assert.Equal(t, protocol.TypeJoinViewer, frames[2].Type)
	assert.Equal(t, protocol.TypeUnselect, frames[3].Type)
}

func TestManager_JoinCarriesPersistedIdentity(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewIdentityStore(fs, "identity.json")
	first, err := store.Load()
	require.NoError(t, err)

	d := &fakeDialer{}
	m := NewManager(Options{
		URL:               "ws://test.invalid/ws",
		Store:             NewIdentityStore(fs, "identity.json"),
		Dialer:            d,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, m.Connect(context.Background(), "R1"))

	frames := d.lastConn().sent()
	require.NotEmpty(t, frames)
	join := frames[0]
	require.NotNil(t, join.User)
	assert.Equal(t, first.UserID, join.User.ID, "reconnects must reuse the persisted id")
	assert.Equal(t, "R1", join.RoomID)
}

func TestManager_DispatchSurvivesPanickingSubscriber(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "R1"))

	var order []string
	var mu sync.Mutex
	done := make(chan struct{})

	m.Subscribe(protocol.TypePresence, func(protocol.Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		panic("subscriber bug")
	})
	m.Subscribe(protocol.TypePresence, func(protocol.Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})

	d.lastConn().push(protocol.Message{Type: protocol.TypePresence})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second subscriber never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order, "registration order must hold")
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "R1"))

	hits := make(chan struct{}, 4)
	unsub := m.Subscribe(protocol.TypePresence, func(protocol.Message) { hits <- struct{}{} })
	kept := make(chan struct{}, 4)
	m.Subscribe(protocol.TypePresence, func(protocol.Message) { kept <- struct{}{} })

	unsub()
	d.lastConn().push(protocol.Message{Type: protocol.TypePresence})

	select {
	case <-kept:
	case <-time.After(time.Second):
		t.Fatalf("remaining subscriber never ran")
	}
	select {
	case <-hits:
		t.Fatalf("unsubscribed handler still ran")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_DisconnectIsIdempotentAndDiscardsLateReconnect(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m, tc := newTestManager(t, d)

	_ = m.Connect(context.Background(), "R1")
	require.Len(t, tc.scheduled(), 1)

	m.Disconnect()
	m.Disconnect() // idempotent

	before := d.dialCount()
	tc.fire(0) // the pending reconnect must notice the disconnect
	assert.Equal(t, before, d.dialCount(), "reconnect after Disconnect must be discarded")
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_DialCompletingAfterDisconnectIsDiscarded(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	d.beforeReturn = func() { m.Disconnect() }

	_ = m.Connect(context.Background(), "R1")

	conn := d.lastConn()
	require.NotNil(t, conn)
	select {
	case <-conn.done:
	case <-time.After(time.Second):
		t.Fatalf("late connection must be closed, not adopted")
	}
	assert.Empty(t, conn.sent(), "no join may be sent after Disconnect")
}

func TestManager_HeartbeatsFlowOnInterval(t *testing.T) {
	d := &fakeDialer{}
	store := NewIdentityStore(afero.NewMemMapFs(), "identity.json")
	m := NewManager(Options{
		URL:               "ws://test.invalid/ws",
		Store:             store,
		Dialer:            d,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	require.NoError(t, m.Connect(context.Background(), "R1"))
	defer m.Disconnect()

	deadline := time.After(time.Second)
	for {
		for _, f := range d.lastConn().sent() {
			if f.Type == protocol.TypeHeartbeat {
				if f.UserID != m.UserID() {
					t.Fatalf("heartbeat must carry the persisted id, got %+v", f)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no heartbeat within a second")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManager_SendOnClosedTransportQueues(t *testing.T) {
	d := &fakeDialer{}
	m, tc := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "R1"))

	// Transport drops; messages sent while down must flush after the
	// next successful open.
	d.lastConn().Close()
	deadline := time.After(time.Second)
	for len(tc.scheduled()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("no reconnect scheduled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.Send(protocol.Message{Type: protocol.TypeSelect, PlanetID: "Mars", UserID: m.UserID()})
	tc.fire(0)

	frames := d.lastConn().sent()
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeJoin, frames[0].Type)
	assert.Equal(t, protocol.TypeSelect, frames[1].Type)
}

func TestManager_RepeatConnectClosesPreviousTransport(t *testing.T) {
	d := &fakeDialer{}
	m, tc := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "R1"))
	first := d.lastConn()

	require.NoError(t, m.Connect(context.Background(), "R1"))
	second := d.lastConn()
	require.Equal(t, 2, d.dialCount())
	require.NotSame(t, first, second)

	assert.True(t, first.isClosed(), "superseded transport must be closed")

	// The old reader's exit is a supersede, not a failure: give it a
	// moment and check no reconnect was scheduled for it.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tc.scheduled())

	// The fresh transport carries its own join and stays usable.
	frames := second.sent()
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.TypeJoin, frames[0].Type)
}
