// Package router implements the room membership and message routing state
// machine.
//
// Each connection is either unjoined or in exactly one room. The router
// consumes inbound events (join, leave, targeted relay, chat broadcast,
// disconnect), mutates the connection registry and room directory under a
// single state lock, and emits outbound events to the affected connections
// after the mutation completes. Negotiation payloads pass through unchanged.
package router

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/peerwire/signaling-relay/internal/metrics"
	"github.com/peerwire/signaling-relay/internal/ratelimit"
	"github.com/peerwire/signaling-relay/internal/registry"
	"github.com/peerwire/signaling-relay/internal/rooms"
)

// DefaultMaxRoomIDBytes bounds caller-supplied room identifiers.
const DefaultMaxRoomIDBytes = 128

const (
	msgInvalidRoomID = "invalid room id"
	msgNotInRoom     = "not in a room"
)

// Config wires the router's runtime dependencies.
type Config struct {
	// Emitter delivers outbound events. Required.
	Emitter Emitter

	// Metrics receives event counters. If nil, a private registry is used.
	Metrics *metrics.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock stamps new-message events. Defaults to the real clock.
	Clock ratelimit.Clock

	// MaxRoomIDBytes defaults to DefaultMaxRoomIDBytes.
	MaxRoomIDBytes int
}

// Router owns the shared room/connection state. Events from a single
// connection must be dispatched sequentially (the transport's read loop
// guarantees this); events from different connections may arrive
// concurrently.
type Router struct {
	emitter        Emitter
	metrics        *metrics.Metrics
	log            *slog.Logger
	clock          ratelimit.Clock
	maxRoomIDBytes int

	mu        sync.Mutex
	registry  *registry.Registry
	directory *rooms.Directory
}

func New(cfg Config) *Router {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	maxRoomID := cfg.MaxRoomIDBytes
	if maxRoomID <= 0 {
		maxRoomID = DefaultMaxRoomIDBytes
	}
	return &Router{
		emitter:        cfg.Emitter,
		metrics:        m,
		log:            log,
		clock:          clock,
		maxRoomIDBytes: maxRoomID,
		registry:       registry.New(),
		directory:      rooms.New(),
	}
}

// envelope is an outbound event staged during a locked mutation and emitted
// after the lock is released.
type envelope struct {
	to string
	ev Outbound
}

// Connect registers a new connection (no room) and greets it with its
// transport-assigned id.
func (r *Router) Connect(connID string) {
	r.mu.Lock()
	r.registry.SetRoom(connID, "")
	r.mu.Unlock()

	r.metrics.Inc(metrics.ConnectionsOpened)
	r.emitter.Emit(connID, Outbound{Type: EventWelcome, YourID: connID})
}

// Dispatch applies one inbound event for connID.
func (r *Router) Dispatch(connID string, ev Event) {
	switch e := ev.(type) {
	case Join:
		r.handleJoin(connID, e.Room)
	case Leave:
		r.handleLeave(connID)
	case Relay:
		r.handleRelay(connID, e)
	case Chat:
		r.handleChat(connID, e.Message)
	case Disconnect:
		r.handleDisconnect(connID, e.Reason)
	default:
		r.log.Warn("dropping unknown inbound event", "conn_id", connID)
	}
}

func (r *Router) handleJoin(connID, roomID string) {
	if !r.validRoomID(roomID) {
		r.metrics.Inc(metrics.ErrInvalidRoomID)
		r.emitter.Emit(connID, Outbound{Type: EventError, Message: msgInvalidRoomID})
		return
	}

	r.mu.Lock()
	var out []envelope

	// A connection occupies at most one room: fully leave the old room
	// (directory cleanup and notifications) before entering the new one.
	// Re-joining the current room re-runs the same sequence.
	if cur := r.registry.Room(connID); cur != "" {
		out = append(out, r.leaveLocked(connID, cur)...)
	}

	count := r.directory.Join(roomID, connID)
	if count == 1 {
		r.metrics.Inc(metrics.RoomsCreated)
	}
	r.metrics.Inc(metrics.RoomJoins)
	r.registry.SetRoom(connID, roomID)

	members := r.directory.MemberIDs(roomID)
	for _, id := range members {
		if id != connID {
			out = append(out, envelope{id, Outbound{Type: EventUserJoined, UserID: connID}})
		}
	}
	for _, id := range members {
		out = append(out, envelope{id, Outbound{Type: EventUserCount, UserCount: count}})
	}
	out = append(out, envelope{connID, Outbound{Type: EventRoomJoined, RoomID: roomID, UserCount: count}})
	r.mu.Unlock()

	r.emitAll(out)
	r.log.Debug("joined room", "conn_id", connID, "room_id", roomID, "members", count)
}

func (r *Router) handleLeave(connID string) {
	r.mu.Lock()
	cur := r.registry.Room(connID)
	if cur == "" {
		r.mu.Unlock()
		r.metrics.Inc(metrics.ErrNotInRoom)
		r.emitter.Emit(connID, Outbound{Type: EventError, Message: msgNotInRoom})
		return
	}
	out := r.leaveLocked(connID, cur)
	r.registry.SetRoom(connID, "")
	out = append(out, envelope{connID, Outbound{Type: EventRoomLeft, RoomID: cur}})
	r.mu.Unlock()

	r.emitAll(out)
	r.log.Debug("left room", "conn_id", connID, "room_id", cur)
}

func (r *Router) handleRelay(connID string, ev Relay) {
	r.mu.Lock()
	cur := r.registry.Room(connID)
	r.mu.Unlock()

	if cur == "" {
		r.metrics.Inc(metrics.ErrNotInRoom)
		r.emitter.Emit(connID, Outbound{Type: EventError, Message: msgNotInRoom})
		return
	}

	// The target id is trusted as supplied; no same-room check is performed.
	// Unknown targets are dropped by the emitter with no feedback.
	fwd := Outbound{Type: string(ev.Kind), From: connID}
	switch ev.Kind {
	case RelayOffer:
		fwd.Offer = ev.Payload
	case RelayAnswer:
		fwd.Answer = ev.Payload
	case RelayICECandidate:
		fwd.Candidate = ev.Payload
	default:
		r.log.Warn("dropping relay with unknown kind", "conn_id", connID, "kind", string(ev.Kind))
		return
	}
	r.metrics.Inc(metrics.RelayForwarded)
	r.emitter.Emit(ev.To, fwd)
}

func (r *Router) handleChat(connID, message string) {
	r.mu.Lock()
	cur := r.registry.Room(connID)
	if cur == "" {
		r.mu.Unlock()
		r.metrics.Inc(metrics.ErrNotInRoom)
		r.emitter.Emit(connID, Outbound{Type: EventError, Message: msgNotInRoom})
		return
	}
	members := r.directory.MemberIDs(cur)
	r.mu.Unlock()

	ts := r.clock.Now().UnixMilli()
	ev := Outbound{Type: EventNewMessage, From: connID, Message: message, Timestamp: ts}
	for _, id := range members {
		r.emitter.Emit(id, ev)
	}
	r.metrics.Inc(metrics.ChatBroadcast)
}

func (r *Router) handleDisconnect(connID, reason string) {
	r.mu.Lock()
	var out []envelope
	if cur := r.registry.Room(connID); cur != "" {
		out = r.leaveLocked(connID, cur)
	}
	r.registry.Remove(connID)
	r.mu.Unlock()

	r.metrics.Inc(metrics.ConnectionsClosed)
	r.emitAll(out)
	r.log.Debug("disconnected", "conn_id", connID, "reason", reason)
}

// leaveLocked removes connID from roomID and stages the departure
// notifications for the remaining members. When the room dies with the
// departure there is nobody left to notify.
func (r *Router) leaveLocked(connID, roomID string) []envelope {
	count, deleted := r.directory.Leave(roomID, connID)
	r.metrics.Inc(metrics.RoomLeaves)
	if deleted {
		r.metrics.Inc(metrics.RoomsDeleted)
		return nil
	}

	remaining := r.directory.MemberIDs(roomID)
	out := make([]envelope, 0, 2*len(remaining))
	for _, id := range remaining {
		out = append(out, envelope{id, Outbound{Type: EventUserLeft, UserID: connID}})
	}
	for _, id := range remaining {
		out = append(out, envelope{id, Outbound{Type: EventUserCount, UserCount: count}})
	}
	return out
}

func (r *Router) emitAll(out []envelope) {
	for _, e := range out {
		r.emitter.Emit(e.to, e.ev)
	}
}

func (r *Router) validRoomID(roomID string) bool {
	if roomID == "" || strings.TrimSpace(roomID) == "" {
		return false
	}
	if len(roomID) > r.maxRoomIDBytes {
		return false
	}
	return utf8.ValidString(roomID)
}

// RoomCount returns the number of live rooms.
func (r *Router) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.directory.Len()
}

// ConnectionCount returns the number of registered connections.
func (r *Router) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Len()
}

// Rooms returns a point-in-time snapshot of every room and its members.
func (r *Router) Rooms() []rooms.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.directory.Snapshot()
}

// CurrentRoom returns connID's room ("" when unjoined). Exposed for tests
// that assert registry/directory consistency.
func (r *Router) CurrentRoom(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Room(connID)
}
