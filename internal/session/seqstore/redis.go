package seqstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fixcore:seq:"

// RedisStore persists sequences in a Redis hash per venue. Both fields are
// written in a single HSET, which Redis applies atomically.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(address, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (shared pools, tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, venue string) (uint64, uint64, error) {
	vals, err := s.client.HGetAll(ctx, redisKeyPrefix+venue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("loading sequences for %s: %w", venue, err)
	}
	if len(vals) == 0 {
		return 1, 1, nil
	}
	var in, out uint64
	if _, err := fmt.Sscanf(vals["in"], "%d", &in); err != nil {
		return 0, 0, fmt.Errorf("corrupt inbound sequence for %s: %q", venue, vals["in"])
	}
	if _, err := fmt.Sscanf(vals["out"], "%d", &out); err != nil {
		return 0, 0, fmt.Errorf("corrupt outbound sequence for %s: %q", venue, vals["out"])
	}
	return in, out, nil
}

func (s *RedisStore) Persist(ctx context.Context, venue string, inbound, outbound uint64) error {
	err := s.client.HSet(ctx, redisKeyPrefix+venue, "in", inbound, "out", outbound).Err()
	if err != nil {
		return fmt.Errorf("persisting sequences for %s: %w", venue, err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, venue string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+venue).Err(); err != nil {
		return fmt.Errorf("resetting sequences for %s: %w", venue, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
