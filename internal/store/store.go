// Package store is the key-value adapter shared by the tile cache and the
// rate limiter. It speaks to Redis when one is configured and reachable, and
// otherwise to an in-process map with the same get/set/incr/expire semantics.
package store

import (
	"context"
	"time"
)

// Store is the minimal key-value contract the rest of the service codes against.
//
// A ttl of zero means the key does not expire. Incr creates missing keys at 1
// and leaves an existing expiry untouched, matching Redis INCR.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Backend() string
}

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)
