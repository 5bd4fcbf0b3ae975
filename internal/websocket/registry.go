package websocket

import (
	"fmt"
	"log/slog"
	"sync"

	"thoth-rooms/internal/metrics"
	"thoth-rooms/internal/models"
)

// outbound is an encoded server event. messageID is set for chatMessage
// events so a history replay can drop live copies it already contains.
type outbound struct {
	payload   []byte
	messageID string
}

// Registry is the single owner of connection and room state.
//
// One mutex covers membership changes, presence snapshots and the enqueueing
// of every fan-out, so members observe presence in the order membership
// changed. Enqueueing never blocks: a connection whose queue is full is
// evicted once the lock is released.
type Registry struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	rooms    map[string]map[*Client]uint64
	seq      uint64
	slow     []*Client
	presence Presence

	metrics *metrics.Registry
	log     *slog.Logger
}

func NewRegistry(presence Presence, m *metrics.Registry, log *slog.Logger) *Registry {
	return &Registry{
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]uint64),
		presence: presence,
		metrics:  m,
		log:      log.With("component", "registry"),
	}
}

// Register admits an authenticated connection that is not yet in a room.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.state = StateAuthenticated
	r.clients[c] = struct{}{}
	r.updateGaugesLocked()
}

// Join moves c into room, leaving its previous room. Joining the current
// room again changes nothing but still re-announces presence.
func (r *Registry) Join(c *Client, room string) error {
	return r.join(c, room, false)
}

// join with hold parks every event for c until finishReplay.
func (r *Registry) join(c *Client, room string, hold bool) error {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: join %q on a closed connection", models.ErrProtocolViolation, room)
	}

	prev := c.room
	if prev != room {
		if prev != "" {
			r.removeMemberLocked(c, prev)
		}
		members, ok := r.rooms[room]
		if !ok {
			members = make(map[*Client]uint64)
			r.rooms[room] = members
		}
		r.seq++
		members[c] = r.seq
		c.room = room
		c.state = StateInRoom
		c.replayed = nil
	}
	if hold {
		c.replaying = true
		c.pending = nil
		c.replayed = nil
	}

	if prev != "" && prev != room {
		r.announceLocked(prev)
	}
	r.announceLocked(room)
	r.updateGaugesLocked()
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
	return nil
}

// finishReplay delivers first ahead of everything parked since the join.
// Chat messages whose id is in replayed are not delivered to c again, whether
// they were parked or are broadcast later, until c joins another room.
func (r *Registry) finishReplay(c *Client, first outbound, replayed map[string]struct{}) {
	r.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.replaying = false
	if _, ok := r.clients[c]; ok {
		c.replayed = replayed
		r.deliverLocked(c, first)
		for _, ev := range pending {
			r.deliverLocked(c, ev)
		}
	}
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
}

// leave takes c out of its room and announces the new presence there. It
// reports false when c was in none.
func (r *Registry) leave(c *Client) bool {
	r.mu.Lock()
	ok := r.leaveLocked(c) != ""
	if ok {
		c.state = StateAuthenticated
	}
	r.updateGaugesLocked()
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
	return ok
}

// Remove forgets c entirely, announcing the departure to its room, and
// returns the room c was in. Only the first call for a connection reports
// true.
func (r *Registry) Remove(c *Client) (string, bool) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.clients, c)
	room := r.leaveLocked(c)
	c.state = StateDisconnected
	c.replaying = false
	c.pending = nil
	r.updateGaugesLocked()
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
	return room, true
}

func (r *Registry) RoomOf(c *Client) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.room
}

func (r *Registry) State(c *Client) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.state
}

// Snapshot is the presence list of room as members currently see it.
func (r *Registry) Snapshot(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(room)
}

func (r *Registry) members(room string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		out = append(out, c)
	}
	return out
}

// Clients returns every registered connection.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Counts reports registered connections and non-empty rooms.
func (r *Registry) Counts() (connections, rooms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients), len(r.rooms)
}

// BroadcastRoom enqueues ev for every member of room except skip, which may be nil.
func (r *Registry) BroadcastRoom(room string, ev outbound, skip *Client) int {
	r.mu.Lock()
	n := 0
	for c := range r.rooms[room] {
		if c == skip {
			continue
		}
		r.deliverLocked(c, ev)
		n++
	}
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
	return n
}

// BroadcastAll enqueues ev for every registered connection, in a room or not.
func (r *Registry) BroadcastAll(ev outbound) {
	r.mu.Lock()
	for c := range r.clients {
		r.deliverLocked(c, ev)
	}
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
}

// SendTo enqueues ev for c alone.
func (r *Registry) SendTo(c *Client, ev outbound) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		r.deliverLocked(c, ev)
	}
	slow := r.takeSlowLocked()
	r.mu.Unlock()

	r.evict(slow)
}

func (r *Registry) snapshotLocked(room string) []string {
	members := make([]member, 0, len(r.rooms[room]))
	for c, joined := range r.rooms[room] {
		members = append(members, member{username: c.Identity.Username, joined: joined})
	}
	return r.presence.Snapshot(members)
}

func (r *Registry) announceLocked(room string) {
	if len(r.rooms[room]) == 0 {
		return
	}
	payload, err := models.Encode(models.EventOnlineUsers, r.snapshotLocked(room))
	if err != nil {
		r.log.Error("encode presence", "room", room, "error", err)
		return
	}
	ev := outbound{payload: payload}
	for c := range r.rooms[room] {
		r.deliverLocked(c, ev)
	}
}

func (r *Registry) deliverLocked(c *Client, ev outbound) {
	if c.state == StateDisconnected || c.slow {
		return
	}
	if _, dup := c.replayed[ev.messageID]; dup && ev.messageID != "" {
		return
	}
	if c.replaying {
		if len(c.pending) >= cap(c.send) {
			r.markSlowLocked(c)
			return
		}
		c.pending = append(c.pending, ev)
		return
	}
	select {
	case c.send <- ev.payload:
	default:
		r.markSlowLocked(c)
	}
}

func (r *Registry) markSlowLocked(c *Client) {
	c.slow = true
	r.slow = append(r.slow, c)
}

func (r *Registry) takeSlowLocked() []*Client {
	slow := r.slow
	r.slow = nil
	return slow
}

func (r *Registry) leaveLocked(c *Client) string {
	room := c.room
	if room == "" {
		return ""
	}
	r.removeMemberLocked(c, room)
	c.room = ""
	c.replayed = nil
	r.announceLocked(room)
	return room
}

func (r *Registry) removeMemberLocked(c *Client, room string) {
	members := r.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.Connections.Active.Set(float64(len(r.clients)))
	r.metrics.Connections.Rooms.Set(float64(len(r.rooms)))
}

// evict disconnects connections that could not keep up. Must be called
// without the lock held.
func (r *Registry) evict(slow []*Client) {
	for _, c := range slow {
		r.log.Warn("evicting slow consumer", "client", c.ID, "user", c.Identity.Username)
		if r.metrics != nil {
			r.metrics.Events.SlowConsumers.Inc()
		}
		r.Remove(c)
		c.close()
	}
}
