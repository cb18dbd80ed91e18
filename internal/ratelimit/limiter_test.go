package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"twillow/internal/kv"
)

func newTestStore(t *testing.T) (*kv.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.Wrap(client), mr
}

func TestLimiterAllowUntilLimit(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewLimiter(store, zap.NewNop(), 3, time.Second)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, n := limiter.Allow(ctx, "provider1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if n != int64(i) {
			t.Errorf("expected count %d, got %d", i, n)
		}
	}

	allowed, n := limiter.Allow(ctx, "provider1")
	if allowed {
		t.Error("request over the limit should be rejected")
	}
	if n != 4 {
		t.Errorf("expected count 4, got %d", n)
	}
}

func TestLimiterIsolatesProviders(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewLimiter(store, zap.NewNop(), 1, time.Second)
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "provider1"); !allowed {
		t.Fatal("first provider1 request should pass")
	}
	if allowed, _ := limiter.Allow(ctx, "provider1"); allowed {
		t.Fatal("second provider1 request should be rejected")
	}
	if allowed, _ := limiter.Allow(ctx, "provider2"); !allowed {
		t.Error("provider2 should have its own counter")
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	limiter := NewLimiter(store, zap.NewNop(), 1, time.Second)
	ctx := context.Background()

	limiter.Allow(ctx, "provider1")
	if allowed, _ := limiter.Allow(ctx, "provider1"); allowed {
		t.Fatal("should be limited inside the window")
	}

	mr.FastForward(2 * time.Second)

	allowed, n := limiter.Allow(ctx, "provider1")
	if !allowed {
		t.Error("counter should reset after the window expires")
	}
	if n != 1 {
		t.Errorf("expected fresh count 1, got %d", n)
	}
}

func TestLimiterReset(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewLimiter(store, zap.NewNop(), 1, time.Second)
	ctx := context.Background()

	limiter.Allow(ctx, "provider1")
	limiter.Allow(ctx, "provider1")

	if err := limiter.Reset(ctx, "provider1"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	allowed, n := limiter.Allow(ctx, "provider1")
	if !allowed || n != 1 {
		t.Errorf("expected (true, 1) after reset, got (%v, %d)", allowed, n)
	}
}

func TestLimiterFailsOpen(t *testing.T) {
	store, mr := newTestStore(t)
	limiter := NewLimiter(store, zap.NewNop(), 1, time.Second)
	ctx := context.Background()

	mr.Close()

	allowed, n := limiter.Allow(ctx, "provider1")
	if !allowed {
		t.Error("limiter should fail open when the store is unreachable")
	}
	if n != 0 {
		t.Errorf("expected count 0 on store failure, got %d", n)
	}
}

func TestGlobalLimiter(t *testing.T) {
	store, _ := newTestStore(t)
	global := NewGlobalLimiter(store, zap.NewNop(), 2, time.Second)
	ctx := context.Background()

	global.Allow(ctx)
	global.Allow(ctx)

	if allowed, _ := global.Allow(ctx); allowed {
		t.Error("third request should exceed the global limit")
	}

	n, err := global.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}

	stats := global.Stats(ctx)
	if !stats.IsLimited {
		t.Error("stats should report the global counter as limited")
	}
	if stats.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", stats.Remaining)
	}
}

func TestCountWithoutIncrement(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewLimiter(store, zap.NewNop(), 5, time.Second)
	ctx := context.Background()

	n, err := limiter.Count(ctx, "provider1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 for missing counter, got %d", n)
	}

	limiter.Allow(ctx, "provider1")

	n, _ = limiter.Count(ctx, "provider1")
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	// Count must not consume budget.
	n, _ = limiter.Count(ctx, "provider1")
	if n != 1 {
		t.Errorf("count mutated the counter, got %d", n)
	}
}
