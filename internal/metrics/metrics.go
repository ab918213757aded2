package metrics

import "sync"

// Counter names. Names are intentionally simple; they are exported as the
// `event` label of a single Prometheus counter family.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	RoomsCreated = "rooms_created"
	RoomsDeleted = "rooms_deleted"
	RoomJoins    = "room_joins"
	RoomLeaves   = "room_leaves"

	RelayForwarded  = "relay_forwarded"
	RelayTargetGone = "relay_target_gone"
	ChatBroadcast   = "chat_broadcast"

	ErrInvalidRoomID = "err_invalid_room_id"
	ErrNotInRoom     = "err_not_in_room"

	DropReasonRateLimited = "rate_limited"
	DropReasonBadMessage  = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A real deployment may plug into a richer metrics backend; this type exists
// to keep the routing logic observable and testable without one. The zero
// value is ready to use.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
