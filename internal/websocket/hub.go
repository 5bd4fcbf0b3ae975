package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"thoth-rooms/internal/metrics"
	"thoth-rooms/internal/models"
	"thoth-rooms/internal/storage"
)

// defaultMaxMessageSize fits a chatMessage of models.MaxTextLength characters
// even when every one is sent as an escaped surrogate pair (12 bytes).
const defaultMaxMessageSize = 16 << 10

// Options tune per-connection behaviour of the Hub.
type Options struct {
	HistoryLimit   int
	SendBuffer     int
	MaxMessageSize int64
	RateLimit      rate.Limit
	RateBurst      int
	PresenceDedup  bool
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Hub owns the live connections of one gateway process. It is created once
// in main and handed to the HTTP layer.
type Hub struct {
	registry *Registry
	router   *Router
	opts     Options
	metrics  *metrics.Registry
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64

	// mu orders admissions against Shutdown so every pump is added to wg
	// before Shutdown waits on it.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHub(opts Options, store storage.HistoryStore, m *metrics.Registry, log *slog.Logger) *Hub {
	opts = opts.withDefaults()
	registry := NewRegistry(Presence{Dedup: opts.PresenceDedup}, m, log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry: registry,
		router:   NewRouter(registry, store, opts.HistoryLimit, m, log),
		opts:     opts,
		metrics:  m,
		log:      log.With("component", "hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach registers an upgraded, authenticated connection and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, identity models.Identity, remoteAddr string) *Client {
	c := h.newClient(identity, conn)
	c.RemoteAddr = remoteAddr

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.registry.Register(c)
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.Info("client connected", "client", c.ID, "user", identity.Username, "remote", remoteAddr)
	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) newClient(identity models.Identity, conn *websocket.Conn) *Client {
	c := newClient(h.nextID.Add(1), identity, conn, h.opts, h.log)
	c.hub = h
	return c
}

// Dispatch handles one inbound frame from c. The returned error says why the
// event was dropped; none of them end the connection.
func (h *Hub) Dispatch(c *Client, raw []byte) error {
	if !c.allow() {
		h.countDropped(metrics.DropRateLimited)
		return errRateLimited
	}

	cmd, err := models.ParseCommand(raw)
	if err == nil {
		err = h.route(c, cmd)
	}

	switch {
	case errors.Is(err, models.ErrProtocolViolation):
		if h.metrics != nil {
			h.metrics.Events.ProtocolViolations.Inc()
		}
	case errors.Is(err, models.ErrValidation):
		h.countDropped(metrics.DropValidation)
	}
	return err
}

func (h *Hub) route(c *Client, cmd models.Command) error {
	switch cmd := cmd.(type) {
	case models.JoinRoom:
		return h.router.JoinRoom(h.ctx, c, cmd.Room)
	case models.ChatMessage:
		_, err := h.router.Submit(h.ctx, c, cmd.Text)
		return err
	case models.Typing:
		return h.router.Notify(c, cmd.IsTyping)
	default:
		return fmt.Errorf("%w: unhandled command %T", models.ErrProtocolViolation, cmd)
	}
}

// Disconnect runs the departure of c once, however many times it is called.
func (h *Hub) Disconnect(c *Client) {
	c.disconnectOnce.Do(func() {
		if room, ok := h.registry.Remove(c); ok {
			h.log.Info("client disconnected",
				"client", c.ID,
				"user", c.Identity.Username,
				"remote", c.RemoteAddr,
				"room", room)
		}
		c.close()
	})
}

// AnnounceRooms pushes a new room list to every connection.
func (h *Hub) AnnounceRooms(rooms []string) {
	if err := h.router.AnnounceRooms(rooms); err != nil {
		h.log.Error("announce rooms", "error", err)
	}
}

// Stats reports live connections and non-empty rooms.
func (h *Hub) Stats() (connections, rooms int) {
	return h.registry.Counts()
}

// Shutdown disconnects every client and waits for their pumps to exit.
// Attach refuses connections once it has started.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	for _, c := range h.registry.Clients() {
		h.Disconnect(c)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.Info("hub stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) countDropped(reason string) {
	if h.metrics != nil {
		h.metrics.Events.Dropped.WithLabelValues(reason).Inc()
	}
}
