// Package registry tracks which room each live connection currently occupies.
//
// The registry is a pure reference store: it never validates that a room
// exists. Room lifecycle is owned by the rooms package; the router keeps the
// two consistent.
package registry

// Registry maps connection ids to their current room id. An empty room id
// means the connection has not joined a room.
//
// Registry is not safe for concurrent use. The router serializes all access
// behind its state lock.
type Registry struct {
	rooms map[string]string
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]string),
	}
}

// SetRoom records the connection's current room and returns the previous
// value ("" when the connection was unjoined or unknown). Passing an empty
// room id clears the entry's room while keeping the connection registered.
func (r *Registry) SetRoom(connID, roomID string) (prev string) {
	prev = r.rooms[connID]
	r.rooms[connID] = roomID
	return prev
}

// Room returns the connection's current room id, or "" if the connection is
// unjoined or unknown.
func (r *Registry) Room(connID string) string {
	return r.rooms[connID]
}

// Remove clears all state for the connection. Removing an unknown connection
// is a no-op.
func (r *Registry) Remove(connID string) {
	delete(r.rooms, connID)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.rooms)
}
