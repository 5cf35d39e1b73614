// Package protocol defines the wire vocabulary shared by the server and
// the client library. Every frame is one JSON object with a "type" tag;
// unknown or malformed frames are dropped by the receiver so old peers
// survive protocol additions.
package protocol

import "encoding/json"

type Type string

// Client -> server.
const (
	TypeJoin        Type = "join"
	TypeLeave       Type = "leave"
	TypeSelect      Type = "select"
	TypeUnselect    Type = "unselect"
	TypeJoinViewer  Type = "join_viewer"
	TypeLeaveViewer Type = "leave_viewer"
	TypeCamera      Type = "camera" // both directions; server rebroadcasts
	TypeHeartbeat   Type = "heartbeat"
)

// Server -> client.
const (
	TypePresence       Type = "presence"
	TypeSelectionState Type = "selection_state"
	TypeViewerCameras  Type = "viewer_cameras"
	TypeConflict       Type = "conflict"
	TypeAck            Type = "ack"
	TypeError          Type = "error"
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// CameraState is a full camera pose. Updates replace the previous value
// per (planet, user) key; there are no merge semantics.
type CameraState struct {
	Position  Vec3    `json:"position"`
	Target    Vec3    `json:"target"`
	Zoom      float64 `json:"zoom"`
	Timestamp int64   `json:"timestamp"`
}

// UserPresence is a member's displayable identity plus liveness state.
// Name and color are client-chosen and opaque to the server.
type UserPresence struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Color            string `json:"color"`
	JoinedAt         int64  `json:"joinedAt,omitempty"`
	LastSeen         int64  `json:"lastSeen,omitempty"`
	SelectedPlanetID string `json:"selectedPlanetId,omitempty"`
	ViewingPlanetID  string `json:"isViewingPlanet,omitempty"`
}

// Message is the single envelope for every frame. Only the fields
// relevant to Type are populated; the rest stay at their zero value and
// are omitted on the wire.
type Message struct {
	Type Type `json:"type"`

	RoomID   string        `json:"roomId,omitempty"`
	UserID   string        `json:"userId,omitempty"`
	PlanetID string        `json:"planetId,omitempty"`
	User     *UserPresence `json:"user,omitempty"`
	Camera   *CameraState  `json:"camera,omitempty"`
	TS       int64         `json:"ts,omitempty"`

	Users    []UserPresence         `json:"users,omitempty"`
	Selected map[string][]string    `json:"selected,omitempty"`
	Cameras  map[string]CameraState `json:"cameras,omitempty"`

	LockedBy string `json:"lockedBy,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Op   string `json:"op,omitempty"`
	OK   *bool  `json:"ok,omitempty"`
	Code string `json:"code,omitempty"`
	Text string `json:"message,omitempty"`
}

var knownTypes = map[Type]bool{
	TypeJoin: true, TypeLeave: true, TypeSelect: true, TypeUnselect: true,
	TypeJoinViewer: true, TypeLeaveViewer: true, TypeCamera: true, TypeHeartbeat: true,
	TypePresence: true, TypeSelectionState: true, TypeViewerCameras: true,
	TypeConflict: true, TypeAck: true, TypeError: true,
}

// Decode parses a frame. The second return is false for malformed JSON
// and for unknown tags; callers drop such frames without effect.
func Decode(data []byte) (Message, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false
	}
	if !knownTypes[m.Type] {
		return Message{}, false
	}
	return m, true
}

func Encode(m Message) []byte {
	data, _ := json.Marshal(m)
	return data
}

func boolPtr(b bool) *bool { return &b }

// Ack acknowledges a client operation.
func Ack(op string, ts int64) Message {
	return Message{Type: TypeAck, Op: op, OK: boolPtr(true), TS: ts}
}

// Errorf builds a validation-rejection reply. Not used for business
// conflicts; those get a first-class conflict message.
func Errorf(op, code, text string) Message {
	return Message{Type: TypeError, Op: op, OK: boolPtr(false), Code: code, Text: text}
}

// Conflict tells the requesting user only that a planet is held.
func Conflict(planetID, lockedBy, reason string) Message {
	return Message{Type: TypeConflict, PlanetID: planetID, LockedBy: lockedBy, Reason: reason}
}
