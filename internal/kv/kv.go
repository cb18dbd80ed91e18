// Package kv is the boundary to the shared key/value store that backs rate
// limiting, health sampling and the dead-letter list. The interface exists so
// tests can substitute a fake and so callers never depend on the redis client
// directly.
package kv

import (
	"context"
	"time"
)

// Store is the set of operations the core needs from the key/value store.
// Incr must be atomic per key; that atomicity is what makes the counters safe
// under concurrent workers.
type Store interface {
	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Get returns the value at key. A missing key returns ok=false and no error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Del removes the given keys.
	Del(ctx context.Context, keys ...string) error
	// LPush prepends a value to the list at key.
	LPush(ctx context.Context, key string, value string) error
	// LRange returns list entries between start and stop, inclusive.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)
}
