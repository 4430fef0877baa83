package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/albapepper/cedh-data/internal/db/dbtest"
)

func assertSingleFlight(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "aggregate")
	if err != nil || !ok {
		t.Fatalf("expected first TryLock to succeed, got %v, %v", ok, err)
	}

	_, ok, err = l.TryLock(ctx, "aggregate")
	if err != nil {
		t.Fatalf("second TryLock failed: %v", err)
	}
	if ok {
		t.Fatal("expected second TryLock to be refused while held")
	}

	other, ok, err := l.TryLock(ctx, "enrich")
	if err != nil || !ok {
		t.Fatalf("expected a different name to lock independently, got %v, %v", ok, err)
	}
	other(ctx)

	if err := release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	again, ok, err := l.TryLock(ctx, "aggregate")
	if err != nil || !ok {
		t.Fatalf("expected TryLock after release to succeed, got %v, %v", ok, err)
	}
	again(ctx)
}

func TestPg_SingleFlight(t *testing.T) {
	pool := dbtest.New(t)
	assertSingleFlight(t, NewPg(pool.Pool, nil))
}

func TestRedis_SingleFlight(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	assertSingleFlight(t, NewRedis(rdb, time.Minute, nil))
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, _ := redis.ParseURL(url)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	l := NewRedis(rdb, time.Minute, nil)
	release, ok, err := l.TryLock(ctx, "stolen")
	if err != nil || !ok {
		t.Fatalf("TryLock failed: %v, %v", ok, err)
	}
	// Simulate expiry followed by another holder.
	rdb.Set(ctx, "cedh:lock:stolen", "someone-else", time.Minute)

	if err := release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if v, _ := rdb.Get(ctx, "cedh:lock:stolen").Result(); v != "someone-else" {
		t.Errorf("expected foreign token kept, got %q", v)
	}
	rdb.Del(ctx, "cedh:lock:stolen")
}
