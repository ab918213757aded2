package router

import "encoding/json"

// RelayKind identifies a targeted negotiation event. The relay never inspects
// the payload; the kind only selects which wire field carries it.
type RelayKind string

const (
	RelayOffer        RelayKind = "offer"
	RelayAnswer       RelayKind = "answer"
	RelayICECandidate RelayKind = "ice-candidate"
)

// Event is an inbound event tagged with the originating connection by the
// transport and dispatched through Router.Dispatch.
type Event interface {
	isEvent()
}

// Join asks to enter a room, leaving the current one first if needed.
type Join struct {
	Room string
}

// Leave exits the current room without entering another one.
type Leave struct{}

// Relay forwards an opaque negotiation payload to a single target connection.
type Relay struct {
	Kind    RelayKind
	To      string
	Payload json.RawMessage
}

// Chat broadcasts a text message to the sender's current room.
type Chat struct {
	Message string
}

// Disconnect is the terminal event for a connection. The transport must
// dispatch it exactly once, for orderly and abnormal closes alike.
type Disconnect struct {
	Reason string
}

func (Join) isEvent()       {}
func (Leave) isEvent()      {}
func (Relay) isEvent()      {}
func (Chat) isEvent()       {}
func (Disconnect) isEvent() {}

// Outbound event types.
const (
	EventWelcome    = "welcome"
	EventRoomJoined = "room-joined"
	EventRoomLeft   = "room-left"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventUserCount  = "user-count"
	EventNewMessage = "new-message"
	EventError      = "error"
)

// Outbound is a single event addressed to one connection. The transport
// marshals it as-is; empty fields are omitted from the wire.
type Outbound struct {
	Type string `json:"type"`

	YourID    string `json:"yourId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	UserCount int    `json:"userCount,omitempty"`

	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Emitter delivers outbound events to live connections. Delivery is
// fire-and-forget: emitting to a connection that no longer exists must be a
// silent no-op, and Emit must not block on I/O.
type Emitter interface {
	Emit(connID string, ev Outbound)
}
