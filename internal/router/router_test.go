package router_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peerwire/signaling-relay/internal/metrics"
	"github.com/peerwire/signaling-relay/internal/router"
)

// recordingEmitter captures outbound events per connection in emission order.
type recordingEmitter struct {
	mu     sync.Mutex
	events map[string][]router.Outbound
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{events: make(map[string][]router.Outbound)}
}

func (e *recordingEmitter) Emit(connID string, ev router.Outbound) {
	e.mu.Lock()
	e.events[connID] = append(e.events[connID], ev)
	e.mu.Unlock()
}

func (e *recordingEmitter) of(connID string) []router.Outbound {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]router.Outbound, len(e.events[connID]))
	copy(out, e.events[connID])
	return out
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	e.events = make(map[string][]router.Outbound)
	e.mu.Unlock()
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func newTestRouter(t *testing.T) (*router.Router, *recordingEmitter, *metrics.Metrics) {
	t.Helper()
	em := newRecordingEmitter()
	m := metrics.New()
	r := router.New(router.Config{
		Emitter: em,
		Metrics: m,
		Clock:   fixedClock{now: time.UnixMilli(1700000000000)},
	})
	return r, em, m
}

func eventTypes(evs []router.Outbound) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestConnectEmitsWelcome(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")

	evs := em.of("a")
	require.Len(t, evs, 1)
	require.Equal(t, router.EventWelcome, evs[0].Type)
	require.Equal(t, "a", evs[0].YourID)
	require.Equal(t, 1, r.ConnectionCount())
}

func TestJoinEmptyRoomIDOnlyErrorsRequester(t *testing.T) {
	r, em, m := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	em.reset()

	for _, roomID := range []string{"", "   ", string([]byte{0xff, 0xfe})} {
		r.Dispatch("a", router.Join{Room: roomID})
	}

	evs := em.of("a")
	require.Len(t, evs, 3)
	for _, ev := range evs {
		require.Equal(t, router.EventError, ev.Type)
		require.Equal(t, "invalid room id", ev.Message)
	}
	require.Empty(t, em.of("b"))
	require.Zero(t, r.RoomCount())
	require.Equal(t, uint64(3), m.Get(metrics.ErrInvalidRoomID))
}

func TestJoinOversizedRoomIDRejected(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	em.reset()

	long := make([]byte, router.DefaultMaxRoomIDBytes+1)
	for i := range long {
		long[i] = 'r'
	}
	r.Dispatch("a", router.Join{Room: string(long)})

	evs := em.of("a")
	require.Len(t, evs, 1)
	require.Equal(t, router.EventError, evs[0].Type)
	require.Zero(t, r.RoomCount())
}

func TestJoinScenario(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	em.reset()

	// First member: no user-joined (nobody else), user-count{1} to the
	// sender, room-joined to the requester.
	r.Dispatch("a", router.Join{Room: "x"})
	evs := em.of("a")
	require.Equal(t, []string{router.EventUserCount, router.EventRoomJoined}, eventTypes(evs))
	require.Equal(t, 1, evs[0].UserCount)
	require.Equal(t, "x", evs[1].RoomID)
	require.Equal(t, 1, evs[1].UserCount)

	em.reset()

	// Second member: the requester gets user-count then room-joined; the
	// existing member gets user-joined then user-count.
	r.Dispatch("b", router.Join{Room: "x"})

	aEvs := em.of("a")
	require.Equal(t, []string{router.EventUserJoined, router.EventUserCount}, eventTypes(aEvs))
	require.Equal(t, "b", aEvs[0].UserID)
	require.Equal(t, 2, aEvs[1].UserCount)

	bEvs := em.of("b")
	require.Equal(t, []string{router.EventUserCount, router.EventRoomJoined}, eventTypes(bEvs))
	require.Equal(t, 2, bEvs[0].UserCount)
	require.Equal(t, "x", bEvs[1].RoomID)
	require.Equal(t, 2, bEvs[1].UserCount)

	require.Equal(t, "x", r.CurrentRoom("a"))
	require.Equal(t, "x", r.CurrentRoom("b"))
	require.Equal(t, 1, r.RoomCount())
}

func TestSwitchingRoomsLeavesOldRoomFirst(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("a", router.Join{Room: "old"})
	r.Dispatch("b", router.Join{Room: "old"})
	em.reset()

	r.Dispatch("a", router.Join{Room: "new"})

	// The remaining member of the old room sees the departure.
	bEvs := em.of("b")
	require.Equal(t, []string{router.EventUserLeft, router.EventUserCount}, eventTypes(bEvs))
	require.Equal(t, "a", bEvs[0].UserID)
	require.Equal(t, 1, bEvs[1].UserCount)

	require.Equal(t, "new", r.CurrentRoom("a"))
	require.Equal(t, "old", r.CurrentRoom("b"))

	rms := r.Rooms()
	require.Len(t, rms, 2)
	require.Equal(t, []string{"a"}, rms[0].Members) // "new"... sorted: new < old
	require.Equal(t, "new", rms[0].ID)
	require.Equal(t, "old", rms[1].ID)
	require.Equal(t, []string{"b"}, rms[1].Members)
}

func TestSwitchingOutOfSoloRoomDeletesItSilently(t *testing.T) {
	r, em, m := newTestRouter(t)
	r.Connect("a")
	r.Dispatch("a", router.Join{Room: "solo"})
	em.reset()

	r.Dispatch("a", router.Join{Room: "next"})

	// No user-left/user-count for the deleted room; only the new room's
	// events reach the requester.
	evs := em.of("a")
	require.Equal(t, []string{router.EventUserCount, router.EventRoomJoined}, eventTypes(evs))
	require.Equal(t, 1, r.RoomCount())
	require.Equal(t, uint64(1), m.Get(metrics.RoomsDeleted))
}

func TestReentrantJoinIsIdempotentButNotifies(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "x"})
	em.reset()

	r.Dispatch("a", router.Join{Room: "x"})

	// Membership is unchanged (still exactly {a, b}).
	rms := r.Rooms()
	require.Len(t, rms, 1)
	require.ElementsMatch(t, []string{"a", "b"}, rms[0].Members)
	require.Equal(t, "x", r.CurrentRoom("a"))

	// The other member observes the full leave+join sequence.
	bEvs := em.of("b")
	require.Equal(t, []string{
		router.EventUserLeft,
		router.EventUserCount,
		router.EventUserJoined,
		router.EventUserCount,
	}, eventTypes(bEvs))
	require.Equal(t, 1, bEvs[1].UserCount)
	require.Equal(t, 2, bEvs[3].UserCount)

	aEvs := em.of("a")
	require.Equal(t, []string{router.EventUserCount, router.EventRoomJoined}, eventTypes(aEvs))
}

func TestRelayDeliveredToLiteralTargetOnly(t *testing.T) {
	r, em, m := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Connect("c")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "x"})
	r.Dispatch("c", router.Join{Room: "x"})
	em.reset()

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0"}`)
	r.Dispatch("b", router.Relay{Kind: router.RelayOffer, To: "a", Payload: payload})

	aEvs := em.of("a")
	require.Len(t, aEvs, 1)
	require.Equal(t, "offer", aEvs[0].Type)
	require.Equal(t, "b", aEvs[0].From)
	require.Equal(t, payload, aEvs[0].Offer)

	require.Empty(t, em.of("b"))
	require.Empty(t, em.of("c"))
	require.Equal(t, uint64(1), m.Get(metrics.RelayForwarded))
}

func TestRelayKindsCarryTheirOwnPayloadField(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "x"})
	em.reset()

	answer := json.RawMessage(`{"sdp":"answer"}`)
	cand := json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 4242 typ host"}`)
	r.Dispatch("a", router.Relay{Kind: router.RelayAnswer, To: "b", Payload: answer})
	r.Dispatch("a", router.Relay{Kind: router.RelayICECandidate, To: "b", Payload: cand})

	bEvs := em.of("b")
	require.Len(t, bEvs, 2)
	require.Equal(t, "answer", bEvs[0].Type)
	require.Equal(t, answer, bEvs[0].Answer)
	require.Nil(t, bEvs[0].Offer)
	require.Equal(t, "ice-candidate", bEvs[1].Type)
	require.Equal(t, cand, bEvs[1].Candidate)
}

func TestRelayCrossesRoomBoundaries(t *testing.T) {
	// Targets are trusted as supplied; membership of the sender's room is
	// deliberately not checked.
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "y"})
	em.reset()

	r.Dispatch("a", router.Relay{Kind: router.RelayOffer, To: "b", Payload: json.RawMessage(`{}`)})

	bEvs := em.of("b")
	require.Len(t, bEvs, 1)
	require.Equal(t, "offer", bEvs[0].Type)
}

func TestRelayWhileUnjoinedErrorsRequesterOnly(t *testing.T) {
	r, em, m := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("b", router.Join{Room: "x"})
	em.reset()

	r.Dispatch("a", router.Relay{Kind: router.RelayOffer, To: "b", Payload: json.RawMessage(`{}`)})

	aEvs := em.of("a")
	require.Len(t, aEvs, 1)
	require.Equal(t, router.EventError, aEvs[0].Type)
	require.Equal(t, "not in a room", aEvs[0].Message)
	require.Empty(t, em.of("b"))
	require.Equal(t, uint64(1), m.Get(metrics.ErrNotInRoom))
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Connect("c")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "x"})
	r.Dispatch("c", router.Join{Room: "other"})
	em.reset()

	r.Dispatch("a", router.Chat{Message: "hello room"})

	for _, id := range []string{"a", "b"} {
		evs := em.of(id)
		require.Len(t, evs, 1, "member %s", id)
		require.Equal(t, router.EventNewMessage, evs[0].Type)
		require.Equal(t, "a", evs[0].From)
		require.Equal(t, "hello room", evs[0].Message)
		require.Equal(t, int64(1700000000000), evs[0].Timestamp)
	}
	require.Empty(t, em.of("c"))
}

func TestChatWhileUnjoinedYieldsExactlyOneError(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("b", router.Join{Room: "x"})
	em.reset()

	r.Dispatch("a", router.Chat{Message: "anyone?"})

	aEvs := em.of("a")
	require.Len(t, aEvs, 1)
	require.Equal(t, router.EventError, aEvs[0].Type)
	require.Empty(t, em.of("b"))
}

func TestLeaveRoom(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "x"})
	em.reset()

	r.Dispatch("a", router.Leave{})

	aEvs := em.of("a")
	require.Equal(t, []string{router.EventRoomLeft}, eventTypes(aEvs))
	require.Equal(t, "x", aEvs[0].RoomID)

	bEvs := em.of("b")
	require.Equal(t, []string{router.EventUserLeft, router.EventUserCount}, eventTypes(bEvs))

	require.Empty(t, r.CurrentRoom("a"))
	require.Equal(t, 1, r.RoomCount())
	require.Equal(t, 2, r.ConnectionCount())
}

func TestLeaveWhileUnjoinedErrors(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	em.reset()

	r.Dispatch("a", router.Leave{})

	evs := em.of("a")
	require.Len(t, evs, 1)
	require.Equal(t, router.EventError, evs[0].Type)
	require.Equal(t, "not in a room", evs[0].Message)
}

func TestDisconnectScenario(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	r.Dispatch("a", router.Join{Room: "x"})
	r.Dispatch("b", router.Join{Room: "x"})
	em.reset()

	r.Dispatch("a", router.Disconnect{Reason: "going away"})

	bEvs := em.of("b")
	require.Equal(t, []string{router.EventUserLeft, router.EventUserCount}, eventTypes(bEvs))
	require.Equal(t, "a", bEvs[0].UserID)
	require.Equal(t, 1, bEvs[1].UserCount)

	require.Empty(t, em.of("a"))
	require.Equal(t, 1, r.RoomCount())
	require.Equal(t, 1, r.ConnectionCount())

	r.Dispatch("b", router.Disconnect{Reason: "going away"})
	require.Empty(t, r.Rooms())
	require.Zero(t, r.ConnectionCount())
}

func TestDisconnectWhileUnjoined(t *testing.T) {
	r, em, _ := newTestRouter(t)
	r.Connect("a")
	r.Connect("b")
	em.reset()

	r.Dispatch("a", router.Disconnect{Reason: "eof"})

	require.Empty(t, em.of("a"))
	require.Empty(t, em.of("b"))
	require.Equal(t, 1, r.ConnectionCount())
}

// Registry and directory must never disagree: a connection's current room, if
// set, names a room that contains it as a member, and vice versa.
func TestRegistryDirectoryConsistency(t *testing.T) {
	r, _, _ := newTestRouter(t)
	conns := []string{"a", "b", "c", "d"}
	for _, c := range conns {
		r.Connect(c)
	}

	steps := []struct {
		conn string
		ev   router.Event
	}{
		{"a", router.Join{Room: "x"}},
		{"b", router.Join{Room: "x"}},
		{"c", router.Join{Room: "y"}},
		{"a", router.Join{Room: "y"}},
		{"b", router.Leave{}},
		{"d", router.Join{Room: "x"}},
		{"a", router.Join{Room: "y"}}, // re-entrant
		{"c", router.Disconnect{Reason: "test"}},
		{"d", router.Join{Room: "y"}},
	}

	for _, step := range steps {
		r.Dispatch(step.conn, step.ev)

		membership := make(map[string]string)
		for _, info := range r.Rooms() {
			require.Positive(t, info.Count, "room %s must not exist empty", info.ID)
			require.Len(t, info.Members, info.Count)
			for _, m := range info.Members {
				_, seen := membership[m]
				require.False(t, seen, "connection %s in two rooms", m)
				membership[m] = info.ID
			}
		}
		for _, c := range conns {
			require.Equal(t, membership[c], r.CurrentRoom(c),
				"registry/directory disagree for %s after %s %#v", c, step.conn, step.ev)
		}
	}
}
