package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"radarproxy/internal/store"
	"radarproxy/internal/tile"
)

const (
	DefaultTTL = 10 * time.Minute

	// DefaultStaleRetention is how long an entry outlives its freshness in the
	// store, available as a fallback once the hard caps are used up.
	DefaultStaleRetention = 24 * time.Hour
)

// CachedTile is an immutable snapshot of an upstream tile. A later write for
// the same key replaces it.
type CachedTile struct {
	Key      tile.Key
	Data     []byte
	StoredAt time.Time
}

// Fresh reports whether the tile is young enough to be served as a hit.
func (c *CachedTile) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.StoredAt) < ttl
}

// envelope is the stored form: image bytes as base64 plus the write time.
type envelope struct {
	Data     string `json:"data"`
	StoredAt int64  `json:"storedAt"`
}

var errMalformed = errors.New("malformed cache entry")

// TileCache stores tiles in the shared key-value store.
//
// Entries are written with a store TTL of ttl+staleRetention so stores that
// expire keys drop them on their own; freshness is still judged on StoredAt
// because the memory store only expires lazily and Redis may lag.
type TileCache struct {
	store          store.Store
	ttl            time.Duration
	staleRetention time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

type Option func(*TileCache)

func WithClock(now func() time.Time) Option {
	return func(c *TileCache) { c.now = now }
}

// WithStaleRetention sets how long entries stay in the store past their
// freshness TTL. Zero drops them as soon as they go stale.
func WithStaleRetention(d time.Duration) Option {
	return func(c *TileCache) { c.staleRetention = d }
}

func New(s store.Store, ttl time.Duration, logger *zap.Logger, opts ...Option) *TileCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &TileCache{
		store:          s,
		ttl:            ttl,
		staleRetention: DefaultStaleRetention,
		logger:         logger,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *TileCache) TTL() time.Duration { return c.ttl }

// Get returns the stored tile, fresh or not. Store errors and malformed
// entries are logged and reported as a miss.
func (c *TileCache) Get(ctx context.Context, key tile.Key) (*CachedTile, bool) {
	raw, ok, err := c.store.Get(ctx, key.CacheKey())
	if err != nil {
		c.logger.Warn("Tile cache read failed", zap.String("key", key.CacheKey()), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	cached, err := decode(key, raw)
	if err != nil {
		c.logger.Warn("Ignoring unreadable tile cache entry", zap.String("key", key.CacheKey()), zap.Error(err))
		return nil, false
	}
	return cached, true
}

// GetFresh returns the tile only if it is within the cache TTL.
func (c *TileCache) GetFresh(ctx context.Context, key tile.Key) (*CachedTile, bool) {
	cached, ok := c.Get(ctx, key)
	if !ok || !c.IsFresh(cached) {
		return nil, false
	}
	return cached, true
}

func (c *TileCache) IsFresh(cached *CachedTile) bool {
	return cached.Fresh(c.now(), c.ttl)
}

// Set writes through to the store. Failures are logged and dropped.
func (c *TileCache) Set(ctx context.Context, key tile.Key, data []byte, storedAt time.Time) {
	if len(data) == 0 {
		return
	}

	payload, err := json.Marshal(envelope{
		Data:     base64.StdEncoding.EncodeToString(data),
		StoredAt: storedAt.UnixMilli(),
	})
	if err != nil {
		c.logger.Error("Failed to encode tile cache entry", zap.Error(err))
		return
	}

	if err := c.store.Set(ctx, key.CacheKey(), string(payload), c.ttl+c.staleRetention); err != nil {
		c.logger.Warn("Tile cache write failed", zap.String("key", key.CacheKey()), zap.Error(err))
	}
}

func decode(key tile.Key, raw string) (*CachedTile, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Data == "" || env.StoredAt <= 0 {
		return nil, errMalformed
	}

	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	return &CachedTile{
		Key:      key,
		Data:     data,
		StoredAt: time.UnixMilli(env.StoredAt),
	}, nil
}
