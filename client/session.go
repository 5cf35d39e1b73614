package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/exoview/collab/pkg/protocol"
)

// ConflictInfo is client-local only: produced when a select is
// rejected, consumed by UI, never persisted.
type ConflictInfo struct {
	PlanetID string
	LockedBy string
	Reason   string
}

// wire is what the Session needs from a Manager. Narrowed to an
// interface so session tests run without a transport.
type wire interface {
	Send(protocol.Message)
	Subscribe(t protocol.Type, fn func(protocol.Message)) Handle
	OnConnected(fn func()) Handle
	OnDisconnected(fn func(error)) Handle
	UserID() string
	Disconnect()
}

// Session mirrors room state locally, driven by inbound messages.
// Actions are optimistic: the local mutation lands first and the
// server's next authoritative broadcast confirms or, on conflict,
// rolls it back. Single writer (the session), many readers (UI).
type Session struct {
	mu   sync.RWMutex
	wire wire
	log  *zap.Logger

	peers         []protocol.UserPresence
	selected      map[string][]string
	cameras       map[string]map[string]protocol.CameraState
	lastConflict  *ConflictInfo
	connErr       error
	pendingSelect string // most recent outstanding select attempt

	unsubs []Handle
}

func NewSession(w wire, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		wire:     w,
		log:      log,
		selected: make(map[string][]string),
		cameras:  make(map[string]map[string]protocol.CameraState),
	}
	s.unsubs = []Handle{
		w.Subscribe(protocol.TypePresence, s.onPresence),
		w.Subscribe(protocol.TypeSelectionState, s.onSelectionState),
		w.Subscribe(protocol.TypeViewerCameras, s.onViewerCameras),
		w.Subscribe(protocol.TypeCamera, s.onCamera),
		w.Subscribe(protocol.TypeConflict, s.onConflict),
		w.Subscribe(protocol.TypeError, s.onError),
		w.OnConnected(func() {
			s.mu.Lock()
			s.connErr = nil
			s.mu.Unlock()
		}),
		w.OnDisconnected(func(err error) {
			s.mu.Lock()
			s.connErr = err
			s.mu.Unlock()
		}),
	}
	return s
}

func (s *Session) onPresence(msg protocol.Message) {
	s.mu.Lock()
	s.peers = append([]protocol.UserPresence(nil), msg.Users...)
	s.mu.Unlock()
}

// onSelectionState applies the authoritative snapshot; it fully
// replaces the local map, last message wins.
func (s *Session) onSelectionState(msg protocol.Message) {
	s.mu.Lock()
	selected := make(map[string][]string, len(msg.Selected))
	for planet, holders := range msg.Selected {
		selected[planet] = append([]string(nil), holders...)
	}
	s.selected = selected
	if s.pendingSelect != "" && contains(selected[s.pendingSelect], s.wire.UserID()) {
		s.pendingSelect = "" // confirmed
	}
	s.mu.Unlock()
}

func (s *Session) onViewerCameras(msg protocol.Message) {
	s.mu.Lock()
	cams := make(map[string]protocol.CameraState, len(msg.Cameras))
	for id, cam := range msg.Cameras {
		cams[id] = cam
	}
	s.cameras[msg.PlanetID] = cams
	s.mu.Unlock()
}

func (s *Session) onCamera(msg protocol.Message) {
	if msg.Camera == nil {
		return
	}
	s.mu.Lock()
	if s.cameras[msg.PlanetID] == nil {
		s.cameras[msg.PlanetID] = make(map[string]protocol.CameraState)
	}
	s.cameras[msg.PlanetID][msg.UserID] = *msg.Camera
	s.mu.Unlock()
}

// onConflict rolls the optimistic select back when the conflict names
// the outstanding attempt, and keeps the info for UI display.
func (s *Session) onConflict(msg protocol.Message) {
	s.mu.Lock()
	if msg.PlanetID == s.pendingSelect && s.pendingSelect != "" {
		s.dropLocalSelection(msg.PlanetID, s.wire.UserID())
		s.pendingSelect = ""
	}
	s.lastConflict = &ConflictInfo{
		PlanetID: msg.PlanetID,
		LockedBy: msg.LockedBy,
		Reason:   msg.Reason,
	}
	s.mu.Unlock()
}

func (s *Session) onError(msg protocol.Message) {
	// Validation rejections are surfaced in logs only; no automatic
	// corrective action.
	s.log.Warn("server rejected message",
		zap.String("op", msg.Op),
		zap.String("code", msg.Code),
		zap.String("message", msg.Text))
}

// SelectPlanet optimistically adds self to the planet's holders and
// asks the server to confirm.
func (s *Session) SelectPlanet(planetID string) {
	self := s.wire.UserID()
	s.mu.Lock()
	// Mirror the server's one-selection-per-member rule locally.
	for planet := range s.selected {
		if planet != planetID {
			s.dropLocalSelection(planet, self)
		}
	}
	if !contains(s.selected[planetID], self) {
		s.selected[planetID] = append(s.selected[planetID], self)
	}
	s.pendingSelect = planetID
	s.mu.Unlock()

	s.wire.Send(protocol.Message{Type: protocol.TypeSelect, PlanetID: planetID, UserID: self})
}

func (s *Session) UnselectPlanet(planetID string) {
	self := s.wire.UserID()
	s.mu.Lock()
	s.dropLocalSelection(planetID, self)
	if s.pendingSelect == planetID {
		s.pendingSelect = ""
	}
	s.mu.Unlock()

	s.wire.Send(protocol.Message{Type: protocol.TypeUnselect, PlanetID: planetID, UserID: self})
}

// JoinViewer subscribes to a planet's camera feed; the server answers
// with a viewer_cameras snapshot for catch-up.
func (s *Session) JoinViewer(planetID string) {
	s.wire.Send(protocol.Message{Type: protocol.TypeJoinViewer, PlanetID: planetID, UserID: s.wire.UserID()})
}

func (s *Session) LeaveViewer(planetID string) {
	self := s.wire.UserID()
	s.mu.Lock()
	if cams, ok := s.cameras[planetID]; ok {
		delete(cams, self)
	}
	s.mu.Unlock()
	s.wire.Send(protocol.Message{Type: protocol.TypeLeaveViewer, PlanetID: planetID, UserID: self})
}

// UpdateCamera is fire-and-forget: the local 3D view already renders
// this camera, so there is no local echo to maintain.
func (s *Session) UpdateCamera(planetID string, cam protocol.CameraState) {
	s.wire.Send(protocol.Message{
		Type:     protocol.TypeCamera,
		PlanetID: planetID,
		UserID:   s.wire.UserID(),
		Camera:   &cam,
	})
}

// Close tears the session down: listeners removed, connection closed.
// Presence cleanup happens server-side via the disconnect.
func (s *Session) Close() {
	for _, u := range s.unsubs {
		u()
	}
	s.wire.Disconnect()
}

func (s *Session) dropLocalSelection(planetID, userID string) {
	holders := s.selected[planetID]
	kept := holders[:0]
	for _, id := range holders {
		if id != userID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(s.selected, planetID)
	} else {
		s.selected[planetID] = kept
	}
}

// Peers returns a copy of the current presence list.
func (s *Session) Peers() []protocol.UserPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.UserPresence(nil), s.peers...)
}

// Selections returns a copy of the current planet -> holders map.
func (s *Session) Selections() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.selected))
	for planet, holders := range s.selected {
		out[planet] = append([]string(nil), holders...)
	}
	return out
}

// Cameras returns a copy of the camera map for one planet.
func (s *Session) Cameras(planetID string) map[string]protocol.CameraState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]protocol.CameraState, len(s.cameras[planetID]))
	for id, cam := range s.cameras[planetID] {
		out[id] = cam
	}
	return out
}

func (s *Session) LastConflict() *ConflictInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastConflict == nil {
		return nil
	}
	c := *s.lastConflict
	return &c
}

// ClearConflict dismisses the conflict notice.
func (s *Session) ClearConflict() {
	s.mu.Lock()
	s.lastConflict = nil
	s.mu.Unlock()
}

func (s *Session) ConnectionError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connErr
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
