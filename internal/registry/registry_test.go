package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetRoomReturnsPrevious(t *testing.T) {
	r := New()

	prev := r.SetRoom("c1", "lobby")
	require.Empty(t, prev)

	prev = r.SetRoom("c1", "games")
	require.Equal(t, "lobby", prev)
	require.Equal(t, "games", r.Room("c1"))
}

func TestUnknownConnectionIsNone(t *testing.T) {
	r := New()
	require.Empty(t, r.Room("nope"))
}

func TestClearRoomKeepsConnectionRegistered(t *testing.T) {
	r := New()
	r.SetRoom("c1", "lobby")

	prev := r.SetRoom("c1", "")
	require.Equal(t, "lobby", prev)
	require.Empty(t, r.Room("c1"))
	require.Equal(t, 1, r.Len())
}

func TestRemove(t *testing.T) {
	r := New()
	r.SetRoom("c1", "lobby")
	r.SetRoom("c2", "lobby")

	r.Remove("c1")
	require.Empty(t, r.Room("c1"))
	require.Equal(t, 1, r.Len())

	// Removing an unknown connection is a no-op.
	r.Remove("ghost")
	require.Equal(t, 1, r.Len())
}
