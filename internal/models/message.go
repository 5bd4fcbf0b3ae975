package models

import "time"

// MaxTextLength is the longest chat text accepted, counted in characters after trimming.
const MaxTextLength = 1000

// MaxRoomLength bounds room names accepted on join and on room creation.
const MaxRoomLength = 64

// Message is a persisted chat message. Once stored it never changes.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the verified principal bound to a connection at handshake.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
