package snapshot

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestRedisStore creates a RedisStore connected to a local Redis instance
// and removes leftover test keys before returning. Tests that call this
// helper require a running Redis on localhost:6379.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, "test_parley_snapshot*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return &RedisStore{client: client}
}

func TestRedisStore_GetMissing(t *testing.T) {
	store := newTestRedisStore(t)

	_, err := store.Get(context.Background(), "test_parley_snapshot_absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_PutGet(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	blob := []byte(`{"saved_at":123}`)
	if err := store.Put(ctx, "test_parley_snapshot_state", blob); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := store.Get(ctx, "test_parley_snapshot_state")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("Get() = %q, want %q", got, blob)
	}
}

func TestRedisStore_Overwrite(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "test_parley_snapshot_state", []byte("old")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := store.Put(ctx, "test_parley_snapshot_state", []byte("new")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := store.Get(ctx, "test_parley_snapshot_state")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Get() = %q, want %q", got, "new")
	}
}
