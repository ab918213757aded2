// Package rooms owns the room directory: which connections are members of
// which named room.
//
// A room exists if and only if it has at least one member. Rooms are created
// implicitly on first join and deleted the moment their last member leaves.
package rooms

import "sort"

// RoomInfo is a read-only view of a single room, used by introspection
// endpoints.
type RoomInfo struct {
	ID      string   `json:"roomId"`
	Members []string `json:"members"`
	Count   int      `json:"count"`
}

// Directory maps room ids to their ordered member lists. Member order is join
// order; members are unique within a room.
//
// Directory is not safe for concurrent use. The router serializes all access
// behind its state lock.
type Directory struct {
	members map[string][]string
}

func New() *Directory {
	return &Directory{
		members: make(map[string][]string),
	}
}

// Join adds connID to the room, creating the room if absent. Joining a room
// the connection is already a member of is a no-op. Returns the member count
// after the join.
func (d *Directory) Join(roomID, connID string) (members int) {
	ids := d.members[roomID]
	for _, id := range ids {
		if id == connID {
			return len(ids)
		}
	}
	ids = append(ids, connID)
	d.members[roomID] = ids
	return len(ids)
}

// Leave removes connID from the room if present. When the room becomes empty
// it is deleted and Leave reports deleted=true. Leaving an absent room or a
// room the connection is not a member of is a no-op.
func (d *Directory) Leave(roomID, connID string) (members int, deleted bool) {
	ids, ok := d.members[roomID]
	if !ok {
		return 0, false
	}
	for i, id := range ids {
		if id != connID {
			continue
		}
		ids = append(ids[:i], ids[i+1:]...)
		if len(ids) == 0 {
			delete(d.members, roomID)
			return 0, true
		}
		d.members[roomID] = ids
		return len(ids), false
	}
	return len(ids), false
}

// MemberIDs returns a copy of the room's member list in join order, or nil if
// the room does not exist.
func (d *Directory) MemberIDs(roomID string) []string {
	ids, ok := d.members[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Contains reports whether connID is a member of the room.
func (d *Directory) Contains(roomID, connID string) bool {
	for _, id := range d.members[roomID] {
		if id == connID {
			return true
		}
	}
	return false
}

// Len returns the number of live rooms.
func (d *Directory) Len() int {
	return len(d.members)
}

// Snapshot returns a copy of every room and its members, sorted by room id.
func (d *Directory) Snapshot() []RoomInfo {
	out := make([]RoomInfo, 0, len(d.members))
	for id := range d.members {
		out = append(out, RoomInfo{
			ID:      id,
			Members: d.MemberIDs(id),
			Count:   len(d.members[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
