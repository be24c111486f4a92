package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:lock"), mr
}

func TestRedisLockerExcludesSecondOwner(t *testing.T) {
	ctx := context.Background()
	locker, _ := newLocker(t)

	lease, err := locker.Acquire(ctx, "book-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "book-1", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire err = %v, want ErrHeld", err)
	}
	if _, err := locker.Acquire(ctx, "book-2", time.Minute); err != nil {
		t.Fatalf("other name should be free: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "book-1", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRedisLockerReleaseKeepsNewOwner(t *testing.T) {
	ctx := context.Background()
	locker, mr := newLocker(t)

	stale, err := locker.Acquire(ctx, "book-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := locker.Acquire(ctx, "book-1", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "book-1", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("stale release must not free the new owner's lock, err = %v", err)
	}
}
