// Package room implements the per-room authoritative coordinator. Each
// room runs as one actor goroutine draining a typed inbox, so every
// mutation of room state is serialized without field-level locking.
package room

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/exoview/collab/internal/metrics"
	"github.com/exoview/collab/pkg/protocol"
)

type Msg interface{ isRoomMsg() }

// Join registers (or re-registers) a member. A join for an existing
// UserID replaces the stale entry, which is how reconnects work.
type Join struct {
	User   protocol.UserPresence
	Outbox chan protocol.Message
}

// Leave removes a member. Outbox identifies the connection doing the
// leaving: a stale handler whose member has already rejoined over a
// fresh socket must not evict the fresh connection. A nil Outbox
// leaves unconditionally.
type Leave struct {
	UserID string
	Outbox chan protocol.Message
}

type Select struct {
	PlanetID string
	UserID   string
	From     chan protocol.Message
}

type Unselect struct {
	PlanetID string
	UserID   string
	From     chan protocol.Message
}

type JoinViewer struct {
	PlanetID string
	UserID   string
	From     chan protocol.Message
}

type LeaveViewer struct {
	PlanetID string
	UserID   string
	From     chan protocol.Message
}

type CameraUpdate struct {
	PlanetID string
	UserID   string
	Camera   protocol.CameraState
	From     chan protocol.Message
}

type Heartbeat struct {
	UserID string
	TS     int64
	From   chan protocol.Message
}

// GetState reflects internal state without data races. Test-only.
type GetState struct{ Reply chan View }

type Shutdown struct{}

func (Join) isRoomMsg()         {}
func (Leave) isRoomMsg()        {}
func (Select) isRoomMsg()       {}
func (Unselect) isRoomMsg()     {}
func (JoinViewer) isRoomMsg()   {}
func (LeaveViewer) isRoomMsg()  {}
func (CameraUpdate) isRoomMsg() {}
func (Heartbeat) isRoomMsg()    {}
func (GetState) isRoomMsg()     {}
func (Shutdown) isRoomMsg()     {}

type View struct {
	Members  []protocol.UserPresence
	Selected map[string][]string
	Cameras  map[string]map[string]protocol.CameraState
}

// Options carries the knobs a room needs; zero values get defaults.
type Options struct {
	Cap        int           // membership cap
	Grace      time.Duration // liveness grace period
	SweepEvery time.Duration // expiry tick; 0 disables the sweeper
	Exclusive  bool          // exclusive selection locks

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Counters
	OnEmpty func(roomID string) // called once when the last member is gone
}

type member struct {
	presence protocol.UserPresence
	outbox   chan protocol.Message
	joinedAt time.Time
	lastSeen time.Time
}

type Room struct {
	id       string
	inbox    chan Msg
	members  map[string]*member
	selected map[string][]string
	cameras  map[string]map[string]protocol.CameraState

	// Outboxes the room has closed whose handlers may still have frames
	// in flight in the inbox. A send on a closed channel panics even
	// under select/default, so every direct reply checks here first.
	// Entries are reclaimed when the handler's Leave arrives.
	gone map[chan protocol.Message]struct{}

	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, id string, opts Options) *Room {
	if opts.Cap <= 0 {
		opts.Cap = 20
	}
	if opts.Grace <= 0 {
		opts.Grace = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		id:       id,
		inbox:    make(chan Msg, 64),
		members:  make(map[string]*member),
		selected: make(map[string][]string),
		cameras:  make(map[string]map[string]protocol.CameraState),
		gone:     make(map[chan protocol.Message]struct{}),
		opts:     opts,
		log:      opts.Logger.With(zap.String("room", id)),
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Closed reports whether the actor has shut down (last member gone or
// explicit shutdown). A closed room's inbox is no longer drained.
func (r *Room) Closed() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// Inbox is the only way in; connections and the sweeper both use it.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	var tick <-chan time.Time
	if r.opts.SweepEvery > 0 {
		t := time.NewTicker(r.opts.SweepEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-tick:
			r.sweep()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)
			case Leave:
				r.handleLeave(msg)
			case Select:
				r.handleSelect(msg)
			case Unselect:
				r.handleUnselect(msg)
			case JoinViewer:
				r.handleJoinViewer(msg)
			case LeaveViewer:
				r.handleLeaveViewer(msg)
			case CameraUpdate:
				r.handleCamera(msg)
			case Heartbeat:
				r.handleHeartbeat(msg)
			case GetState:
				msg.Reply <- r.view()
			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) shutdown() {
	for id, m := range r.members {
		r.closeOutbox(m.outbox)
		delete(r.members, id)
	}
	r.cancel()
}

func (r *Room) handleJoin(msg Join) {
	if _, dead := r.gone[msg.Outbox]; dead {
		// Re-join forwarded by a connection the room already dropped;
		// installing its closed outbox would poison every broadcast.
		return
	}
	now := r.opts.Now()

	if existing, ok := r.members[msg.User.ID]; ok {
		// Reconnect: same identity, fresh connection. Keep joinedAt so
		// presence ordering stays stable.
		if existing.outbox != msg.Outbox {
			r.closeOutbox(existing.outbox)
			existing.outbox = msg.Outbox
		}
		existing.presence.Name = msg.User.Name
		existing.presence.Color = msg.User.Color
		existing.lastSeen = now
		r.log.Info("member rejoined", zap.String("user", msg.User.ID))
	} else {
		if len(r.members) >= r.opts.Cap {
			r.reply(msg.Outbox, protocol.Errorf("join", "room_full", "room is at capacity"))
			r.closeOutbox(msg.Outbox)
			return
		}
		p := msg.User
		p.SelectedPlanetID = ""
		p.ViewingPlanetID = ""
		r.members[msg.User.ID] = &member{
			presence: p,
			outbox:   msg.Outbox,
			joinedAt: now,
			lastSeen: now,
		}
		r.log.Info("member joined", zap.String("user", msg.User.ID))
	}

	r.opts.Metrics.Handled(string(protocol.TypeJoin))
	r.broadcastPresence()
	// Catch the joiner up on who holds what. The broadcast may already
	// have dropped the joiner if its outbox is full.
	if m, ok := r.members[msg.User.ID]; ok {
		r.reply(m.outbox, r.selectionStateMsg())
	}
}

func (r *Room) handleLeave(msg Leave) {
	if msg.Outbox != nil {
		// That handler is exiting; no more frames carry this From.
		delete(r.gone, msg.Outbox)
	}
	m, ok := r.members[msg.UserID]
	if !ok {
		return
	}
	if msg.Outbox != nil && m.outbox != msg.Outbox {
		// Stale connection: the member already rejoined over a fresh
		// socket, which owns the entry now.
		return
	}
	r.closeOutbox(m.outbox)
	selChanged := r.removeMember(msg.UserID)

	r.opts.Metrics.Handled(string(protocol.TypeLeave))
	if len(r.members) == 0 {
		r.finish()
		return
	}
	r.broadcastPresence()
	if selChanged {
		r.broadcast(r.selectionStateMsg())
	}
}

// removeMember prunes the member from every map. The caller owns the
// follow-up broadcasts and the empty-room check. Reports whether any
// selection changed.
func (r *Room) removeMember(userID string) bool {
	delete(r.members, userID)

	selChanged := false
	for planet, holders := range r.selected {
		kept := holders[:0]
		for _, id := range holders {
			if id != userID {
				kept = append(kept, id)
			} else {
				selChanged = true
			}
		}
		if len(kept) == 0 {
			delete(r.selected, planet)
		} else {
			r.selected[planet] = kept
		}
	}
	for planet, cams := range r.cameras {
		if _, ok := cams[userID]; ok {
			delete(cams, userID)
			if len(cams) == 0 {
				delete(r.cameras, planet)
			}
		}
	}
	return selChanged
}

// finish tears the room down after the last member is gone.
func (r *Room) finish() {
	r.log.Info("room empty, shutting down")
	if r.opts.OnEmpty != nil {
		r.opts.OnEmpty(r.id)
	}
	r.cancel()
}

func (r *Room) handleSelect(msg Select) {
	m, ok := r.validated("select", msg.UserID, msg.From)
	if !ok {
		return
	}
	r.opts.Metrics.Handled(string(protocol.TypeSelect))

	holders := r.selected[msg.PlanetID]
	if r.opts.Exclusive {
		for _, id := range holders {
			if id != msg.UserID {
				// Reject the requester only; room state is untouched.
				r.opts.Metrics.Conflict()
				r.reply(msg.From, protocol.Conflict(msg.PlanetID, id, "planet is locked by another user"))
				return
			}
		}
	}

	changed := false
	// A member holds at most one selection; drop the previous one.
	if prev := m.presence.SelectedPlanetID; prev != "" && prev != msg.PlanetID {
		r.dropSelection(prev, msg.UserID)
		changed = true
	}
	if !contains(holders, msg.UserID) {
		r.selected[msg.PlanetID] = append(r.selected[msg.PlanetID], msg.UserID)
		changed = true
	}
	m.presence.SelectedPlanetID = msg.PlanetID

	if changed {
		r.broadcast(r.selectionStateMsg())
	}
}

func (r *Room) handleUnselect(msg Unselect) {
	m, ok := r.validated("unselect", msg.UserID, msg.From)
	if !ok {
		return
	}
	r.opts.Metrics.Handled(string(protocol.TypeUnselect))

	if !contains(r.selected[msg.PlanetID], msg.UserID) {
		return
	}
	r.dropSelection(msg.PlanetID, msg.UserID)
	if m.presence.SelectedPlanetID == msg.PlanetID {
		m.presence.SelectedPlanetID = ""
	}
	r.broadcast(r.selectionStateMsg())
}

func (r *Room) dropSelection(planetID, userID string) {
	holders := r.selected[planetID]
	kept := holders[:0]
	for _, id := range holders {
		if id != userID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(r.selected, planetID)
	} else {
		r.selected[planetID] = kept
	}
}

func (r *Room) handleJoinViewer(msg JoinViewer) {
	m, ok := r.validated("join_viewer", msg.UserID, msg.From)
	if !ok {
		return
	}
	r.opts.Metrics.Handled(string(protocol.TypeJoinViewer))

	m.presence.ViewingPlanetID = msg.PlanetID
	if r.cameras[msg.PlanetID] == nil {
		r.cameras[msg.PlanetID] = make(map[string]protocol.CameraState)
	}

	// Snapshot reply to the joiner only; this is the catch-up path for
	// newcomers, not a broadcast.
	snap := make(map[string]protocol.CameraState, len(r.cameras[msg.PlanetID]))
	for id, cam := range r.cameras[msg.PlanetID] {
		snap[id] = cam
	}
	r.reply(msg.From, protocol.Message{
		Type:     protocol.TypeViewerCameras,
		PlanetID: msg.PlanetID,
		Cameras:  snap,
	})
}

func (r *Room) handleLeaveViewer(msg LeaveViewer) {
	m, ok := r.validated("leave_viewer", msg.UserID, msg.From)
	if !ok {
		return
	}
	r.opts.Metrics.Handled(string(protocol.TypeLeaveViewer))

	if m.presence.ViewingPlanetID == msg.PlanetID {
		m.presence.ViewingPlanetID = ""
	}
	if cams, ok := r.cameras[msg.PlanetID]; ok {
		delete(cams, msg.UserID)
		if len(cams) == 0 {
			delete(r.cameras, msg.PlanetID)
		}
	}
}

func (r *Room) handleCamera(msg CameraUpdate) {
	m, ok := r.validated("camera", msg.UserID, msg.From)
	if !ok {
		return
	}
	r.opts.Metrics.Handled(string(protocol.TypeCamera))

	// A camera update implies the sender is viewing the planet.
	m.presence.ViewingPlanetID = msg.PlanetID
	if r.cameras[msg.PlanetID] == nil {
		r.cameras[msg.PlanetID] = make(map[string]protocol.CameraState)
	}
	r.cameras[msg.PlanetID][msg.UserID] = msg.Camera

	// Relay untouched to every other current viewer. The sender is
	// expected to throttle; the room does not.
	out := protocol.Message{
		Type:     protocol.TypeCamera,
		PlanetID: msg.PlanetID,
		UserID:   msg.UserID,
		Camera:   &msg.Camera,
	}
	for id, other := range r.members {
		if id == msg.UserID || other.presence.ViewingPlanetID != msg.PlanetID {
			continue
		}
		r.trySend(id, other, out)
	}
}

func (r *Room) handleHeartbeat(msg Heartbeat) {
	_, ok := r.validated("heartbeat", msg.UserID, msg.From)
	if !ok {
		return
	}
	r.opts.Metrics.Handled(string(protocol.TypeHeartbeat))
	r.reply(msg.From, protocol.Ack("heartbeat", msg.TS))
}

// validated resolves the acting member and refreshes its lastSeen; any
// authored message counts as proof of life. Unknown users get an error
// reply and no state change.
func (r *Room) validated(op, userID string, from chan protocol.Message) (*member, bool) {
	m, ok := r.members[userID]
	if !ok {
		r.reply(from, protocol.Errorf(op, "unknown_user", "not a member of this room"))
		return nil, false
	}
	m.lastSeen = r.opts.Now()
	return m, true
}

func (r *Room) selectionStateMsg() protocol.Message {
	selected := make(map[string][]string, len(r.selected))
	for planet, holders := range r.selected {
		selected[planet] = append([]string(nil), holders...)
	}
	return protocol.Message{Type: protocol.TypeSelectionState, Selected: selected}
}

func (r *Room) broadcastPresence() {
	users := make([]protocol.UserPresence, 0, len(r.members))
	for _, m := range r.members {
		p := m.presence
		p.JoinedAt = m.joinedAt.UnixMilli()
		p.LastSeen = m.lastSeen.UnixMilli()
		users = append(users, p)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt != users[j].JoinedAt {
			return users[i].JoinedAt < users[j].JoinedAt
		}
		return users[i].ID < users[j].ID
	})
	r.broadcast(protocol.Message{Type: protocol.TypePresence, Users: users})
}

// broadcast delivers to every member without blocking the actor. A
// member whose outbox is full is dropped: outbox closed so its writer
// exits, state pruned, survivors told.
func (r *Room) broadcast(msg protocol.Message) {
	var victims []string
	sent := 0
	for id, m := range r.members {
		select {
		case m.outbox <- msg:
			sent++
		default:
			victims = append(victims, id)
		}
	}
	r.opts.Metrics.Broadcast(sent)
	if len(victims) == 0 {
		return
	}

	selChanged := false
	for _, id := range victims {
		r.log.Warn("dropping slow client", zap.String("user", id))
		r.closeOutbox(r.members[id].outbox)
		if r.removeMember(id) {
			selChanged = true
		}
	}
	if len(r.members) == 0 {
		r.finish()
		return
	}
	r.broadcastPresence()
	if selChanged {
		r.broadcast(r.selectionStateMsg())
	}
}

// trySend is the single-recipient variant of broadcast's delivery rule.
func (r *Room) trySend(id string, m *member, msg protocol.Message) {
	select {
	case m.outbox <- msg:
	default:
		r.log.Warn("dropping slow client", zap.String("user", id))
		r.closeOutbox(m.outbox)
		selChanged := r.removeMember(id)
		if len(r.members) == 0 {
			r.finish()
			return
		}
		r.broadcastPresence()
		if selChanged {
			r.broadcast(r.selectionStateMsg())
		}
	}
}

// closeOutbox closes a connection's outbox and remembers it so a late
// frame from that connection can never trigger a send on the closed
// channel.
func (r *Room) closeOutbox(ch chan protocol.Message) {
	if _, dead := r.gone[ch]; dead {
		return
	}
	r.gone[ch] = struct{}{}
	close(ch)
}

// reply targets one connection directly (acks, errors, snapshots,
// conflicts). From may be nil in tests.
func (r *Room) reply(from chan protocol.Message, msg protocol.Message) {
	if from == nil {
		return
	}
	if _, dead := r.gone[from]; dead {
		return
	}
	select {
	case from <- msg:
	default:
		// Full reply channel: the connection is on its way out anyway.
	}
}

func (r *Room) view() View {
	v := View{
		Selected: make(map[string][]string, len(r.selected)),
		Cameras:  make(map[string]map[string]protocol.CameraState, len(r.cameras)),
	}
	for _, m := range r.members {
		p := m.presence
		p.JoinedAt = m.joinedAt.UnixMilli()
		p.LastSeen = m.lastSeen.UnixMilli()
		v.Members = append(v.Members, p)
	}
	sort.Slice(v.Members, func(i, j int) bool { return v.Members[i].ID < v.Members[j].ID })
	for planet, holders := range r.selected {
		v.Selected[planet] = append([]string(nil), holders...)
	}
	for planet, cams := range r.cameras {
		cp := make(map[string]protocol.CameraState, len(cams))
		for id, cam := range cams {
			cp[id] = cam
		}
		v.Cameras[planet] = cp
	}
	return v
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
