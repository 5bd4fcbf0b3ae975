package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Client to server events.
const (
	EventJoinRoom    = "joinRoom"
	EventChatMessage = "chatMessage"
	EventTyping      = "typing"
)

// Server to client events. chatMessage and typing are shared with the inbound set.
const (
	EventChatHistory  = "chatHistory"
	EventOnlineUsers  = "onlineUsers"
	EventRoomsUpdated = "roomsUpdated"
	EventError        = "error"
)

// Error codes carried by outbound error events.
const (
	CodePersistenceFailure = "persistence_failure"
	CodeHistoryUnavailable = "history_unavailable"
)

var validate = validator.New()

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// TypingEvent is fanned out to the other members of a room.
type TypingEvent struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorEvent tells a single connection that something it asked for failed.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode renders an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// Command is a typed inbound event produced by ParseCommand.
type Command interface {
	command()
}

// JoinRoom asks to enter a room, leaving the current one.
type JoinRoom struct {
	Room string
}

// ChatMessage carries untrimmed text; the router normalizes it.
type ChatMessage struct {
	Text string
}

// Typing reports whether the sender is composing.
type Typing struct {
	IsTyping bool
}

func (JoinRoom) command()    {}
func (ChatMessage) command() {}
func (Typing) command()      {}

type joinRoomPayload struct {
	Room *string `json:"room" validate:"required"`
}

type chatMessagePayload struct {
	Text *string `json:"text" validate:"required"`
}

type typingPayload struct {
	IsTyping *bool `json:"isTyping" validate:"required"`
}

// ParseCommand decodes and validates one inbound frame. Anything that does not
// match a known event with a well-typed payload wraps ErrProtocolViolation.
func ParseCommand(raw []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrProtocolViolation, err)
	}

	switch env.Event {
	case EventJoinRoom:
		var p joinRoomPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		room, err := NormalizeRoom(*p.Room)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return JoinRoom{Room: room}, nil
	case EventChatMessage:
		var p chatMessagePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return ChatMessage{Text: *p.Text}, nil
	case EventTyping:
		var p typingPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return Typing{IsTyping: *p.IsTyping}, nil
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrProtocolViolation)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrProtocolViolation, env.Event)
	}
}

func decodePayload(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrProtocolViolation)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrProtocolViolation, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return nil
}

// NormalizeRoom trims a room name and checks it is non-empty and short enough.
func NormalizeRoom(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := validate.Var(name, fmt.Sprintf("required,max=%d", MaxRoomLength)); err != nil {
		return "", fmt.Errorf("invalid room name: %w", err)
	}
	return name, nil
}

// NormalizeText trims chat text and enforces 1..MaxTextLength characters.
func NormalizeText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrValidation)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return "", fmt.Errorf("%w: text is %d characters, limit %d", ErrValidation, n, MaxTextLength)
	}
	return text, nil
}
