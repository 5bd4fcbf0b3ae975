package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"thoth-rooms/internal/models"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	room       TEXT NOT NULL,
	username   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room, created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS rooms (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Storage is the Postgres backend. It serves both as a HistoryStore and as a
// RoomDirectory (through Rooms).
type Storage struct {
	db *sql.DB
}

func NewStorage(connStr string) (*Storage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

// Migrate creates the tables when they are missing.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the database is reachable; sql.Open alone never dials.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Append(ctx context.Context, room, username, text string) (models.Message, error) {
	msg := models.Message{Room: room, Username: username, Text: text}
	var id int64
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO messages (room, username, content) VALUES ($1, $2, $3) RETURNING id, created_at",
		room, username, text,
	).Scan(&id, &msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = strconv.FormatInt(id, 10)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (s *Storage) List(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, room, username, content, created_at FROM messages WHERE room = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		room, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		var (
			m  models.Message
			id int64
		)
		if err := rows.Scan(&id, &m.Room, &m.Username, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// newest first from the query, callers want oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Rooms exposes the rooms table as a RoomDirectory.
func (s *Storage) Rooms() *PostgresDirectory {
	return &PostgresDirectory{db: s.db}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

type PostgresDirectory struct {
	db *sql.DB
}

func (d *PostgresDirectory) List(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM rooms ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d *PostgresDirectory) Create(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, "INSERT INTO rooms (name) VALUES ($1)", name)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("create room %q: %w", name, models.ErrRoomExists)
	}
	if err != nil {
		return fmt.Errorf("create room %q: %w", name, err)
	}
	return nil
}
