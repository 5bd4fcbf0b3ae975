//go:generate go run go.uber.org/mock/mockgen -source=storage.go -destination=../mocks/mock_storage.go -package=mocks

// Package storage holds the durable collaborators of the chat engine: the
// message history and the room directory, with in-memory, Postgres, Badger
// and Redis adapters.
package storage

import (
	"context"

	"thoth-rooms/internal/models"
)

// HistoryStore persists chat messages per room.
type HistoryStore interface {
	// Append stores text for room, assigning the id and server timestamp.
	Append(ctx context.Context, room, username, text string) (models.Message, error)
	// List returns at most limit of the most recent messages of room, oldest first.
	List(ctx context.Context, room string, limit int) ([]models.Message, error)
}

// RoomDirectory is the catalog of advertised room names.
type RoomDirectory interface {
	List(ctx context.Context) ([]string, error)
	// Create returns models.ErrRoomExists when name is already listed.
	Create(ctx context.Context, name string) error
}

// SeedRooms creates each of names, ignoring the ones that already exist.
func SeedRooms(ctx context.Context, dir RoomDirectory, names []string) error {
	for _, name := range names {
		if err := dir.Create(ctx, name); err != nil && !isRoomExists(err) {
			return err
		}
	}
	return nil
}
