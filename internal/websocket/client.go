package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"thoth-rooms/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// State is the lifecycle position of a connection.
type State int

const (
	StateAuthenticated State = iota
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var errRateLimited = errors.New("rate limit exceeded")

// Client is one authenticated connection. Its identity never changes after
// the handshake; room, state and the replay fields belong to the Registry
// and are only touched under its lock.
type Client struct {
	ID         uint64
	Identity   models.Identity
	RemoteAddr string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     *slog.Logger

	room      string
	state     State
	replaying bool
	pending   []outbound
	replayed  map[string]struct{}
	slow      bool

	closeOnce      sync.Once
	disconnectOnce sync.Once
}

func newClient(id uint64, identity models.Identity, conn *websocket.Conn, opts Options, log *slog.Logger) *Client {
	c := &Client{
		ID:       id,
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		log:      log.With("client", id, "user", identity.Username),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	return c
}

func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// close stops the write pump, which closes the socket on its way out.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump processes inbound frames strictly in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if err := c.hub.Dispatch(c, raw); err != nil {
			c.logDropped(err)
		}
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.Disconnect(c)
		c.hub.wg.Done()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) logDropped(err error) {
	switch {
	case errors.Is(err, models.ErrPersistence):
		c.log.Error("message not delivered", "error", err)
	case errors.Is(err, models.ErrValidation), errors.Is(err, errRateLimited):
		c.log.Debug("event dropped", "error", err)
	default:
		c.log.Warn("event dropped", "error", err)
	}
}
