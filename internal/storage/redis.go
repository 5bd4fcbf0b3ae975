package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"thoth-rooms/internal/models"
)

const roomsKey = "thoth:rooms"

// RedisDirectory keeps the room catalog in a Redis set so several gateway
// processes can share it.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, key: roomsKey}
}

func (d *RedisDirectory) List(ctx context.Context) ([]string, error) {
	names, err := d.client.SMembers(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (d *RedisDirectory) Create(ctx context.Context, name string) error {
	added, err := d.client.SAdd(ctx, d.key, name).Result()
	if err != nil {
		return fmt.Errorf("create room %q: %w", name, err)
	}
	if added == 0 {
		return fmt.Errorf("create room %q: %w", name, models.ErrRoomExists)
	}
	return nil
}
