package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"thoth-rooms/internal/models"
)

var sequenceKey = []byte("seq:messages")

// BadgerStore is an embedded HistoryStore for single-node deployments.
//
// Keys are "msg:{hex(room)}:{unixnano:019}:{seq:020}". The room is hex encoded
// so that no room prefix can be a prefix of another room's keys; the padded
// timestamp and sequence keep lexicographic order equal to append order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func OpenBadger(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	seq, err := db.GetSequence(sequenceKey, 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &BadgerStore{
		db:  db,
		seq: seq,
		log: log.With("component", "badger-store"),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func roomPrefix(room string) []byte {
	return []byte("msg:" + hex.EncodeToString([]byte(room)) + ":")
}

func (s *BadgerStore) nextKey(room string) ([]byte, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	if at.Before(s.last) {
		at = s.last
	}
	s.last = at

	n, err := s.seq.Next()
	if err != nil {
		return nil, time.Time{}, err
	}
	key := fmt.Sprintf("%s%019d:%020d", roomPrefix(room), at.UnixNano(), n)
	return []byte(key), at, nil
}

func (s *BadgerStore) Append(ctx context.Context, room, username, text string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	key, at, err := s.nextKey(room)
	if err != nil {
		return models.Message{}, fmt.Errorf("allocate key: %w", err)
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		Room:      room,
		Username:  username,
		Text:      text,
		CreatedAt: at,
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encodeMessage(msg))
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

func (s *BadgerStore) List(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []models.Message{}, nil
	}

	prefix := roomPrefix(room)
	messages := make([]models.Message, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xff sorts after every digit, so seeking there lands on the newest key
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				m, err := decodeMessage(val)
				if err != nil {
					return err
				}
				messages = append(messages, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	s.log.Debug("history read", "room", room, "count", len(messages))
	return messages, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("release sequence", "error", err)
	}
	return s.db.Close()
}
