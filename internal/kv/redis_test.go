package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestGetMissingKey(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	val, ok, err := r.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("missing key should report ok=false")
	}
	if val != "" {
		t.Errorf("missing key should give empty value, got %q", val)
	}
}

func TestIncrExpireGet(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	n, err := r.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}

	if err := r.Expire(ctx, "counter", time.Second); err != nil {
		t.Fatalf("expire failed: %v", err)
	}

	val, ok, err := r.Get(ctx, "counter")
	if err != nil || !ok || val != "1" {
		t.Errorf("expected (1, true), got (%q, %v, %v)", val, ok, err)
	}

	mr.FastForward(2 * time.Second)

	_, ok, err = r.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("key should expire with its TTL")
	}
}

func TestListOps(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	r.LPush(ctx, "list", "a")
	r.LPush(ctx, "list", "b")

	n, err := r.LLen(ctx, "list")
	if err != nil || n != 2 {
		t.Fatalf("expected length 2, got (%d, %v)", n, err)
	}

	items, err := r.LRange(ctx, "list", 0, -1)
	if err != nil {
		t.Fatalf("lrange failed: %v", err)
	}
	if len(items) != 2 || items[0] != "b" {
		t.Errorf("lpush should prepend: %v", items)
	}

	if err := r.Del(ctx, "list"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	n, _ = r.LLen(ctx, "list")
	if n != 0 {
		t.Errorf("list should be gone, got %d", n)
	}
}
