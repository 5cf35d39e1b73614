// Package client is the Go client for the realtime collaboration
// layer: a connection manager that survives transport failures, plus a
// session that mirrors room state locally.
package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exoview/collab/pkg/protocol"
)

type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
)

// Handle unregisters a listener. Safe to call more than once.
type Handle func()

// Options configures a Manager. URL and Store are required.
type Options struct {
	URL   string
	Store *IdentityStore

	Dialer            Dialer        // defaults to the websocket dialer
	HeartbeatInterval time.Duration // default 30s
	BackoffBase       time.Duration // default 1000ms
	BackoffCap        time.Duration // default 15000ms
	WriteTimeout      time.Duration // default 3s
	Logger            *zap.Logger
}

// Manager owns one logical connection to the server. It bootstraps the
// persisted identity, sends the join on every (re)open so the server
// upserts rather than duplicates, emits heartbeats, queues outbound
// messages while disconnected, and fans inbound messages out to
// per-tag subscribers.
type Manager struct {
	mu sync.Mutex

	opts   Options
	roomID string
	id     Identity
	loaded bool

	conn    Conn
	state   ConnState
	gen     int // bumped per connection & on Disconnect; stale callbacks check it
	closed  bool
	attempt int

	queue     []protocol.Message
	reconnect *time.Timer
	hbStop    chan struct{}

	subs         map[protocol.Type][]subscriber
	connected    []lifecycleSub
	disconnected []errorSub
	nextSubID    int

	newTimer func(d time.Duration, f func()) *time.Timer
	log      *zap.Logger
}

type subscriber struct {
	id int
	fn func(protocol.Message)
}

type lifecycleSub struct {
	id int
	fn func()
}

type errorSub struct {
	id int
	fn func(error)
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = wsDialer{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 1000 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 15000 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		state:    StateIdle,
		subs:     make(map[protocol.Type][]subscriber),
		newTimer: time.AfterFunc,
		log:      opts.Logger,
	}
}

// UserID returns the persisted user id, resolving it on first use.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolveIdentityLocked(); err != nil {
		return ""
	}
	return m.id.UserID
}

func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) resolveIdentityLocked() error {
	if m.loaded {
		return nil
	}
	id, err := m.opts.Store.Load()
	if err != nil {
		return err
	}
	m.id = id
	m.loaded = true
	return nil
}

// Connect resolves the persisted identity, opens the transport, and
// joins the room. On dial failure it returns the error and keeps
// retrying in the background with exponential backoff. Callers should
// pass a ctx with a deadline; the transport may otherwise block
// indefinitely.
func (m *Manager) Connect(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if err := m.resolveIdentityLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.roomID = roomID
	m.closed = false
	m.state = StateConnecting
	// A repeat Connect supersedes any live transport: close it and bump
	// the generation so its reader's exit is ignored, not treated as a
	// failure to reconnect from.
	old := m.conn
	if old != nil {
		m.conn = nil
		m.gen++
		m.stopHeartbeatLocked()
	}
	dialer, url := m.opts.Dialer, m.opts.URL
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	conn, err := dialer.Dial(ctx, url)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}
	m.onOpen(conn)
	return nil
}

// onOpen installs a freshly dialed connection: join, flush the queue
// in FIFO order, start heartbeat and reader, notify listeners.
func (m *Manager) onOpen(conn Conn) {
	m.mu.Lock()
	if m.closed {
		// Disconnect won the race; discard, never silently re-join.
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.attempt = 0
	m.gen++
	gen := m.gen

	pending := m.queue
	m.queue = nil
	join := protocol.Message{
		Type:   protocol.TypeJoin,
		RoomID: m.roomID,
		User: &protocol.UserPresence{
			ID:    m.id.UserID,
			Name:  m.id.Name,
			Color: m.id.Color,
		},
	}
	m.hbStop = make(chan struct{})
	hbStop := m.hbStop
	listeners := append([]lifecycleSub(nil), m.connected...)
	m.mu.Unlock()

	m.log.Info("transport open", zap.String("room", m.roomID))

	m.write(conn, join)
	for _, msg := range pending {
		m.write(conn, msg)
	}

	go m.heartbeatLoop(conn, hbStop)
	go m.readLoop(conn, gen)

	for _, l := range listeners {
		l.fn()
	}
}

func (m *Manager) heartbeatLoop(conn Conn, stop chan struct{}) {
	t := time.NewTicker(m.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.write(conn, protocol.Message{
				Type:   protocol.TypeHeartbeat,
				UserID: m.id.UserID,
				TS:     time.Now().UnixMilli(),
			})
		}
	}
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			m.onClose(gen, err)
			return
		}
		msg, ok := protocol.Decode(data)
		if !ok {
			continue // malformed: dropped without effect
		}
		m.dispatch(msg)
	}
}

// dispatch fans one inbound message out to the subscribers registered
// for its tag, in registration order. A panicking subscriber must not
// starve the rest.
func (m *Manager) dispatch(msg protocol.Message) {
	m.mu.Lock()
	targets := append([]subscriber(nil), m.subs[msg.Type]...)
	m.mu.Unlock()

	for _, s := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("subscriber panicked", zap.String("type", string(msg.Type)), zap.Any("panic", r))
				}
			}()
			s.fn(msg)
		}()
	}
}

// Send transmits when the transport is open and queues otherwise.
// Nothing is silently lost across transient disconnects; queued camera
// updates may be stale by the time they flush.
func (m *Manager) Send(msg protocol.Message) {
	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.queue = append(m.queue, msg)
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, msg); err != nil {
		m.mu.Lock()
		m.queue = append(m.queue, msg)
		m.mu.Unlock()
	}
}

func (m *Manager) write(conn Conn, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, protocol.Encode(msg))
}

// onClose runs when a connection's reader exits. Stale generations are
// ignored so an old connection dying cannot clobber a newer one.
func (m *Manager) onClose(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.conn = nil
	m.stopHeartbeatLocked()
	listeners := append([]errorSub(nil), m.disconnected...)
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.log.Warn("transport closed", zap.Error(err))
	for _, l := range listeners {
		l.fn(err)
	}
}

// scheduleReconnectLocked arms at most one backoff timer. The attempt
// counter only resets on a successful open.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.reconnect != nil {
		return
	}
	delay := backoffDelay(m.opts.BackoffBase, m.opts.BackoffCap, m.attempt)
	m.attempt++
	m.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempt))
	m.reconnect = m.newTimer(delay, m.redial)
}

func (m *Manager) redial() {
	m.mu.Lock()
	m.reconnect = nil
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	dialer, url := m.opts.Dialer, m.opts.URL
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, url)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}
	m.onOpen(conn)
}

// Disconnect is idempotent. It stops the heartbeat, cancels any
// pending reconnect, clears the attempt counter, and invalidates
// in-flight reconnects so a late dial cannot re-join.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = StateIdle
	m.attempt = 0
	m.gen++
	m.stopHeartbeatLocked()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// Subscribe registers a handler for one message tag. Multiple
// independent subscribers per tag fan out in registration order. The
// returned handle removes the subscription.
func (m *Manager) Subscribe(t protocol.Type, fn func(protocol.Message)) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[t] = append(m.subs[t], subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		kept := m.subs[t][:0]
		for _, s := range m.subs[t] {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		m.subs[t] = kept
	}
}

// OnConnected fires after each successful transport open, including
// reconnects.
func (m *Manager) OnConnected(fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.connected = append(m.connected, lifecycleSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		kept := m.connected[:0]
		for _, s := range m.connected {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		m.connected = kept
	}
}

// OnDisconnected fires on each transport close, before the reconnect
// timer is armed.
func (m *Manager) OnDisconnected(fn func(error)) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.disconnected = append(m.disconnected, errorSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		kept := m.disconnected[:0]
		for _, s := range m.disconnected {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		m.disconnected = kept
	}
}

// backoffDelay computes min(base * 2^attempt, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30 // avoid shift overflow; way past the cap anyway
	}
	d := base << uint(attempt)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}
