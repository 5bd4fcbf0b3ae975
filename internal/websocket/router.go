package websocket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"thoth-rooms/internal/metrics"
	"thoth-rooms/internal/models"
	"thoth-rooms/internal/storage"
)

// Router persists and fans out room events.
type Router struct {
	registry     *Registry
	store        storage.HistoryStore
	historyLimit int
	metrics      *metrics.Registry
	log          *slog.Logger
}

func NewRouter(registry *Registry, store storage.HistoryStore, historyLimit int, m *metrics.Registry, log *slog.Logger) *Router {
	return &Router{
		registry:     registry,
		store:        store,
		historyLimit: historyLimit,
		metrics:      m,
		log:          log.With("component", "router"),
	}
}

// JoinRoom moves c into room and replays its recent history. The replay
// reaches c before any presence or live message queued since the join.
func (rt *Router) JoinRoom(ctx context.Context, c *Client, room string) error {
	if err := rt.registry.join(c, room, true); err != nil {
		return err
	}
	rt.log.Info("joined room", "client", c.ID, "user", c.Identity.Username, "room", room)
	return rt.Replay(ctx, c, room)
}

// Replay sends the most recent history of room to c as one chatHistory event.
// A failed read is reported to c and does not stop queued events.
func (rt *Router) Replay(ctx context.Context, c *Client, room string) error {
	history, err := rt.store.List(ctx, room, rt.historyLimit)
	if err != nil {
		rt.persistenceFailed()
		first, _ := errorEvent(models.CodeHistoryUnavailable, "history could not be loaded")
		rt.registry.finishReplay(c, first, nil)
		return fmt.Errorf("%w: list %q: %w", models.ErrPersistence, room, err)
	}
	if history == nil {
		history = []models.Message{}
	}

	payload, err := models.Encode(models.EventChatHistory, history)
	if err != nil {
		first, _ := errorEvent(models.CodeHistoryUnavailable, "history could not be loaded")
		rt.registry.finishReplay(c, first, nil)
		return err
	}
	replayed := lo.SliceToMap(history, func(m models.Message) (string, struct{}) {
		return m.ID, struct{}{}
	})
	rt.registry.finishReplay(c, outbound{payload: payload}, replayed)
	return nil
}

// Submit validates text, appends it to the history of the sender's room and
// broadcasts the stored record to every member, sender included. Nothing is
// broadcast unless the append succeeded.
func (rt *Router) Submit(ctx context.Context, c *Client, rawText string) (models.Message, error) {
	room := rt.registry.RoomOf(c)
	if room == "" {
		return models.Message{}, fmt.Errorf("%w: chat message outside a room", models.ErrProtocolViolation)
	}
	text, err := models.NormalizeText(rawText)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := rt.store.Append(ctx, room, c.Identity.Username, text)
	if err != nil {
		rt.persistenceFailed()
		if ev, encErr := errorEvent(models.CodePersistenceFailure, "message could not be saved"); encErr == nil {
			rt.registry.SendTo(c, ev)
		}
		return models.Message{}, fmt.Errorf("%w: append to %q: %w", models.ErrPersistence, room, err)
	}

	payload, err := models.Encode(models.EventChatMessage, msg)
	if err != nil {
		return models.Message{}, err
	}
	rt.registry.BroadcastRoom(room, outbound{payload: payload, messageID: msg.ID}, nil)
	if rt.metrics != nil {
		rt.metrics.Events.MessagesPersisted.Inc()
	}
	return msg, nil
}

// Notify relays a typing indicator to the other members of the sender's room.
func (rt *Router) Notify(c *Client, isTyping bool) error {
	room := rt.registry.RoomOf(c)
	if room == "" {
		return fmt.Errorf("%w: typing outside a room", models.ErrProtocolViolation)
	}
	payload, err := models.Encode(models.EventTyping, models.TypingEvent{
		Username: c.Identity.Username,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	rt.registry.BroadcastRoom(room, outbound{payload: payload}, c)
	return nil
}

// AnnounceRooms tells every connection the advertised room list changed.
func (rt *Router) AnnounceRooms(rooms []string) error {
	if rooms == nil {
		rooms = []string{}
	}
	payload, err := models.Encode(models.EventRoomsUpdated, rooms)
	if err != nil {
		return err
	}
	rt.registry.BroadcastAll(outbound{payload: payload})
	return nil
}

func (rt *Router) persistenceFailed() {
	if rt.metrics != nil {
		rt.metrics.Events.PersistenceFailures.Inc()
	}
}

func errorEvent(code, message string) (outbound, error) {
	payload, err := models.Encode(models.EventError, models.ErrorEvent{Code: code, Message: message})
	if err != nil {
		return outbound{}, err
	}
	return outbound{payload: payload}, nil
}
