// Package cache provides the keyed response cache with pattern invalidation
// and the per-user counters behind daily rate limits. Redis backs both in
// production; the btree-backed memory store serves tests and single-node runs.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates a cache miss
	ErrCacheMiss = errors.New("cache miss")
)

// Cache stores JSON-encoded values.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// InvalidatePattern deletes every key matching a glob such as "api:wallet:*".
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
	// Keys lists live keys matching a glob.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Counter is an integer counter with expiry.
type Counter interface {
	// Incr adds one and sets ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Count returns the current value, zero when absent.
	Count(ctx context.Context, key string) (int64, error)
}

// Store is a cache that also provides counters.
type Store interface {
	Cache
	Counter
}
