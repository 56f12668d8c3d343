package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshot blobs in Redis. Blobs are written without a
// TTL; the relay owns their lifecycle.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a snapshot store connected to Redis.
func NewRedisStore(redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("snapshot: redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Get returns the blob stored under key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get failed: %w", err)
	}
	return blob, nil
}

// Put stores blob under key, replacing any previous value.
func (s *RedisStore) Put(ctx context.Context, key string, blob []byte) error {
	if err := s.client.Set(ctx, key, blob, 0).Err(); err != nil {
		return fmt.Errorf("snapshot: redis set failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
