package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	// URL is a redis:// or rediss:// connection string. Empty selects memory.
	URL string
	// OpTimeout bounds every Redis round trip, and the initial dial.
	OpTimeout time.Duration
	// MemoryEntries bounds the fallback map; 0 means unbounded.
	MemoryEntries int
	// Clock is used by the memory backend; nil means time.Now.
	Clock func() time.Time
}

// New returns a Redis-backed store when one is configured and reachable.
// Otherwise it logs a single warning and returns a memory store, permanently:
// there is no reconnect loop.
func New(ctx context.Context, opts Options, log *zap.Logger) Store {
	if opts.URL == "" {
		log.Warn("No external store configured, using in-process store",
			zap.Int("max_entries", opts.MemoryEntries))
		return newMemory(opts)
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		log.Warn("Invalid store URL, using in-process store", zap.Error(err))
		return newMemory(opts)
	}
	if opts.OpTimeout > 0 {
		redisOpts.DialTimeout = opts.OpTimeout
	}

	s, err := NewRedisStore(ctx, redisOpts, opts.OpTimeout)
	if err != nil {
		log.Warn("External store unavailable, using in-process store",
			zap.String("addr", redisOpts.Addr),
			zap.Error(err))
		return newMemory(opts)
	}

	log.Info("Using redis store", zap.String("addr", redisOpts.Addr), zap.Int("db", redisOpts.DB))
	return s
}

func newMemory(opts Options) *MemoryStore {
	var memOpts []MemoryOption
	if opts.Clock != nil {
		memOpts = append(memOpts, WithClock(opts.Clock))
	}
	return NewMemoryStore(opts.MemoryEntries, memOpts...)
}
