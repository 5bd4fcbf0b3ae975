package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"thoth-rooms/internal/models"
)

// MemoryStore keeps history in process memory. It is the default backend and
// the test double for everything that needs a working HistoryStore.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]models.Message
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]models.Message),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(ctx context.Context, room, username, text string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := models.Message{
		ID:        uuid.NewString(),
		Room:      room,
		Username:  username,
		Text:      text,
		CreatedAt: s.now(),
	}
	// keep createdAt non-decreasing within a room
	if msgs := s.rooms[room]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].CreatedAt; msg.CreatedAt.Before(last) {
			msg.CreatedAt = last
		}
	}
	s.rooms[room] = append(s.rooms[room], msg)
	return msg, nil
}

func (s *MemoryStore) List(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []models.Message{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[room]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MemoryDirectory lists rooms in creation order.
type MemoryDirectory struct {
	mu    sync.RWMutex
	names []string
	index map[string]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{index: make(map[string]struct{})}
}

func (d *MemoryDirectory) List(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out, nil
}

func (d *MemoryDirectory) Create(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[name]; ok {
		return fmt.Errorf("create room %q: %w", name, models.ErrRoomExists)
	}
	d.index[name] = struct{}{}
	d.names = append(d.names, name)
	return nil
}

func isRoomExists(err error) bool {
	return errors.Is(err, models.ErrRoomExists)
}
