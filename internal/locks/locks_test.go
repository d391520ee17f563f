package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestAssetKey(t *testing.T) {
	if got := AssetKey(42); got != "securevod:asset-lock:42" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestMemoryLockerExclusive(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "a", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "b", time.Minute); err != nil {
		t.Fatalf("independent key should be free: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "a", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "a", time.Minute)
	if err != nil {
		t.Fatalf("expired lease should be replaceable: %v", err)
	}
	if err := stale.Refresh(ctx, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale holder, got %v", err)
	}
	// A stale holder must not delete the new owner's lease.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "a", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected fresh lease to survive, got %v", err)
	}
	if err := fresh.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), srv
}

func TestRedisLockerExclusive(t *testing.T) {
	locker, srv := newRedisLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, AssetKey(1), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ttl := srv.TTL(AssetKey(1)); ttl != time.Minute {
		t.Fatalf("expected one minute ttl, got %s", ttl)
	}
	if _, err := locker.Acquire(ctx, AssetKey(1), time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if srv.Exists(AssetKey(1)) {
		t.Fatal("expected key deleted on release")
	}
}

func TestRedisLockerReleaseChecksToken(t *testing.T) {
	locker, srv := newRedisLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.FastForward(2 * time.Second)

	if _, err := locker.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !srv.Exists("k") {
		t.Fatal("stale holder deleted the new owner's lease")
	}
	if err := stale.Refresh(ctx, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestRedisLeaseRefresh(t *testing.T) {
	locker, srv := newRedisLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ttl := srv.TTL("k"); ttl != time.Minute {
		t.Fatalf("expected refreshed ttl, got %s", ttl)
	}
}
