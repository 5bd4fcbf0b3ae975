package websocket

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"thoth-rooms/internal/models"
	"thoth-rooms/internal/storage"
)

func TestRegistry_JoinMovesBetweenRooms(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})
	r := h.registry

	watcherA := connect(h, "watcher-a")
	watcherB := connect(h, "watcher-b")
	mover := connect(h, "mover")
	req.NoError(r.Join(watcherA, "a"))
	req.NoError(r.Join(watcherB, "b"))
	req.NoError(r.Join(mover, "a"))
	drain(t, watcherA)
	drain(t, watcherB)
	drain(t, mover)

	req.NoError(r.Join(mover, "b"))
	req.Equal("b", r.RoomOf(mover))
	req.Equal(StateInRoom, r.State(mover))

	got := drain(t, watcherA)
	req.Len(got, 1)
	req.Equal([]string{"watcher-a"}, decodeData[[]string](t, got[0]))

	got = drain(t, watcherB)
	req.Len(got, 1)
	req.Equal([]string{"watcher-b", "mover"}, decodeData[[]string](t, got[0]))

	req.Equal([]string{"watcher-a"}, r.Snapshot("a"))
	req.Equal([]string{"watcher-b", "mover"}, r.Snapshot("b"))
}

func TestRegistry_LeaveAndEmptyRooms(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})
	r := h.registry

	bob := connect(h, "bob")
	req.False(r.leave(bob))

	req.NoError(r.Join(bob, "quiet"))
	_, rooms := r.Counts()
	req.Equal(1, rooms)

	req.True(r.leave(bob))
	req.Equal(StateAuthenticated, r.State(bob))
	req.Empty(r.RoomOf(bob))
	_, rooms = r.Counts()
	req.Zero(rooms)
	req.Empty(r.Snapshot("quiet"))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t, storage.NewMemoryStore(), Options{})
	r := h.registry

	bob := connect(h, "bob")
	carol := connect(h, "carol")
	req.NoError(r.Join(bob, "general"))
	req.NoError(r.Join(carol, "general"))
	drain(t, bob)

	room, ok := r.Remove(carol)
	req.True(ok)
	req.Equal("general", room)
	_, ok = r.Remove(carol)
	req.False(ok)
	req.Len(drain(t, bob), 1)
	req.Equal(StateDisconnected, r.State(carol))

	conns, _ := r.Counts()
	req.Equal(1, conns)
}

func TestPresence_Dedup(t *testing.T) {
	req := require.New(t)

	for _, tc := range []struct {
		dedup bool
		want  []string
	}{
		{dedup: true, want: []string{"bob", "carol"}},
		{dedup: false, want: []string{"bob", "carol", "bob"}},
	} {
		h := newTestHub(t, storage.NewMemoryStore(), Options{PresenceDedup: tc.dedup})
		for _, name := range []string{"bob", "carol", "bob"} {
			req.NoError(h.registry.Join(connect(h, name), "general"))
		}
		req.Equal(tc.want, h.registry.Snapshot("general"), "dedup=%v", tc.dedup)
	}
}

func TestPresence_SnapshotOrder(t *testing.T) {
	members := []member{{"carol", 3}, {"alice", 1}, {"bob", 2}, {"alice", 4}}
	require.Equal(t, []string{"alice", "bob", "carol"}, Presence{Dedup: true}.Snapshot(members))
}

// Concurrent joins, leaves, submits and disconnects must leave every
// connection in at most one room, with rooms and connections agreeing.
func TestRegistry_ConcurrentMembership(t *testing.T) {
	h := newTestHub(t, storage.NewMemoryStore(), Options{SendBuffer: 4096, PresenceDedup: true})
	r := h.registry
	rooms := []string{"a", "b", "c"}

	clients := make([]*Client, 24)
	for i := range clients {
		clients[i] = connect(h, fmt.Sprintf("user%d", i%8))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(i)))
			for step := 0; step < 200; step++ {
				switch rnd.Intn(5) {
				case 0, 1:
					raw, _ := models.Encode(models.EventJoinRoom, map[string]string{"room": rooms[rnd.Intn(len(rooms))]})
					_ = h.Dispatch(c, raw)
				case 2:
					r.leave(c)
				case 3:
					raw, _ := models.Encode(models.EventChatMessage, map[string]string{"text": "hi"})
					_ = h.Dispatch(c, raw)
				case 4:
					raw, _ := models.Encode(models.EventTyping, map[string]bool{"isTyping": true})
					_ = h.Dispatch(c, raw)
				}
				if i%6 == 0 && step == 150 {
					h.Disconnect(c)
				}
			}
		}(i, c)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Client]string)
	for room, members := range r.rooms {
		require.NotEmpty(t, members, "empty room %q kept", room)
		for c := range members {
			prev, dup := seen[c]
			require.False(t, dup, "client %d in %q and %q", c.ID, prev, room)
			seen[c] = room
			require.Equal(t, room, c.room)
			_, registered := r.clients[c]
			require.True(t, registered)
		}
	}
	for c := range r.clients {
		if c.room != "" {
			require.Equal(t, c.room, seen[c])
		}
		require.False(t, c.replaying)
	}
	for _, c := range clients {
		if c.ID%6 == 1 {
			// clients[0], [6], ... disconnected mid-run
			_, registered := r.clients[c]
			require.False(t, registered)
		}
	}
}
