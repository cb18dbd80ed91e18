// Package ratelimit implements fixed-window request counters over the shared
// key/value store. One counter per provider plus one global counter; the TTL
// on the key is the window, so the key itself never embeds a timestamp and
// concurrent callers always collide on the same counter.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"twillow/internal/kv"
)

const (
	providerKeyPrefix = "rate_limit:"
	globalKey         = "global_rate_limit"
)

// Stats is the per-key snapshot served by the rate-limits endpoint.
type Stats struct {
	Key          string  `json:"key"`
	CurrentCount int64   `json:"current_count"`
	Limit        int64   `json:"limit"`
	Remaining    int64   `json:"remaining"`
	IsLimited    bool    `json:"is_limited"`
	WindowSecs   float64 `json:"window_seconds"`
}

// Limiter is the per-provider fixed-window limiter.
type Limiter struct {
	store  kv.Store
	logger *zap.Logger
	limit  int64
	window time.Duration
}

func NewLimiter(store kv.Store, logger *zap.Logger, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
		limit:  int64(limit),
		window: window,
	}
}

func (l *Limiter) Limit() int64 { return l.limit }

func (l *Limiter) key(providerID string) string {
	return providerKeyPrefix + providerID
}

// Allow atomically increments the provider's window counter and reports
// whether the request fits under the limit. On a store failure it fails open:
// rate limiting is a throttle, not an authorization boundary.
func (l *Limiter) Allow(ctx context.Context, providerID string) (bool, int64) {
	return allow(ctx, l.store, l.logger, l.key(providerID), l.limit, l.window)
}

// Count reads the current window counter without incrementing it.
func (l *Limiter) Count(ctx context.Context, providerID string) (int64, error) {
	return count(ctx, l.store, l.key(providerID))
}

// Reset deletes the provider's window counter.
func (l *Limiter) Reset(ctx context.Context, providerID string) error {
	return l.store.Del(ctx, l.key(providerID))
}

func (l *Limiter) Stats(ctx context.Context, providerID string) Stats {
	n, err := l.Count(ctx, providerID)
	if err != nil {
		l.logger.Error("rate limit count read failed",
			zap.String("provider", providerID), zap.Error(err))
		n = 0
	}
	return stats(l.key(providerID), n, l.limit, l.window)
}

// GlobalLimiter shares the algorithm with Limiter but tracks a single
// system-wide counter.
type GlobalLimiter struct {
	store  kv.Store
	logger *zap.Logger
	limit  int64
	window time.Duration
}

func NewGlobalLimiter(store kv.Store, logger *zap.Logger, limit int, window time.Duration) *GlobalLimiter {
	return &GlobalLimiter{
		store:  store,
		logger: logger,
		limit:  int64(limit),
		window: window,
	}
}

func (g *GlobalLimiter) Limit() int64 { return g.limit }

func (g *GlobalLimiter) Allow(ctx context.Context) (bool, int64) {
	return allow(ctx, g.store, g.logger, globalKey, g.limit, g.window)
}

func (g *GlobalLimiter) Count(ctx context.Context) (int64, error) {
	return count(ctx, g.store, globalKey)
}

func (g *GlobalLimiter) Reset(ctx context.Context) error {
	return g.store.Del(ctx, globalKey)
}

func (g *GlobalLimiter) Stats(ctx context.Context) Stats {
	n, err := g.Count(ctx)
	if err != nil {
		g.logger.Error("global rate limit count read failed", zap.Error(err))
		n = 0
	}
	return stats(globalKey, n, g.limit, g.window)
}

func allow(ctx context.Context, store kv.Store, logger *zap.Logger, key string, limit int64, window time.Duration) (bool, int64) {
	n, err := store.Incr(ctx, key)
	if err != nil {
		logger.Warn("rate limiting bypassed, KV store unreachable",
			zap.String("key", key), zap.Error(err))
		return true, 0
	}

	// First increment in the window owns the TTL.
	if n == 1 {
		if err := store.Expire(ctx, key, window); err != nil {
			logger.Error("failed to set rate limit window expiry",
				zap.String("key", key), zap.Error(err))
		}
	}

	return n <= limit, n
}

func count(ctx context.Context, store kv.Store, key string) (int64, error) {
	val, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func stats(key string, current, limit int64, window time.Duration) Stats {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Key:          key,
		CurrentCount: current,
		Limit:        limit,
		Remaining:    remaining,
		IsLimited:    current >= limit,
		WindowSecs:   window.Seconds(),
	}
}
