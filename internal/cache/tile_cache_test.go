package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"radarproxy/internal/store"
	"radarproxy/internal/tile"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testKey = tile.Key{Zoom: 5, X: 10, Y: 12, Field: "precipitationIntensity", Time: "now"}

func TestTileCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemoryStore(0), DefaultTTL, zap.NewNop())

	_, ok := c.Get(ctx, testKey)
	assert.False(t, ok)

	data := []byte("\x89PNG\r\n\x1a\nbinary\x00\xff")
	storedAt := time.Now()
	c.Set(ctx, testKey, data, storedAt)

	same := testKey
	cached, ok := c.GetFresh(ctx, same)
	require.True(t, ok)
	assert.Equal(t, data, cached.Data)
	assert.Equal(t, storedAt.UnixMilli(), cached.StoredAt.UnixMilli())
	assert.Equal(t, testKey, cached.Key)
}

func TestTileCache_FreshnessFollowsStoredAt(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	// the memory store runs on real time here, so it never expires the entry
	c := New(store.NewMemoryStore(0), DefaultTTL, zap.NewNop(), WithClock(clock.Now))

	c.Set(ctx, testKey, []byte("tile"), clock.Now())

	clock.Advance(5 * time.Minute)
	_, ok := c.GetFresh(ctx, testKey)
	assert.True(t, ok)

	clock.Advance(5 * time.Minute)
	_, ok = c.GetFresh(ctx, testKey)
	assert.False(t, ok, "stale entries are never a hit")

	cached, ok := c.Get(ctx, testKey)
	require.True(t, ok, "stale entry is still available as a fallback")
	assert.False(t, c.IsFresh(cached))
}

func TestTileCache_StoreTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(ctx, &redis.Options{Addr: mr.Addr()}, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	c := New(rs, DefaultTTL, zap.NewNop())
	c.Set(ctx, testKey, []byte("tile"), time.Now())
	assert.Equal(t, DefaultTTL+DefaultStaleRetention, mr.TTL(testKey.CacheKey()))

	c = New(rs, DefaultTTL, zap.NewNop(), WithStaleRetention(0))
	c.Set(ctx, testKey, []byte("tile"), time.Now())
	assert.Equal(t, 10*time.Minute, mr.TTL(testKey.CacheKey()))

	c = New(rs, DefaultTTL, zap.NewNop(), WithStaleRetention(time.Hour))
	c.Set(ctx, testKey, []byte("tile"), time.Now())
	assert.Equal(t, 70*time.Minute, mr.TTL(testKey.CacheKey()))
}

func TestTileCache_MalformedEntriesAreMisses(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	c := New(s, DefaultTTL, zap.NewNop())

	for _, raw := range []string{"not json", `{"data":"","storedAt":1}`, `{"data":"!!!","storedAt":1}`, `{"data":"dGlsZQ=="}`} {
		require.NoError(t, s.Set(ctx, testKey.CacheKey(), raw, 0))
		_, ok := c.Get(ctx, testKey)
		assert.False(t, ok, raw)
	}
}

func TestTileCache_SkipsEmptyWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(0)
	c := New(s, DefaultTTL, zap.NewNop())

	c.Set(ctx, testKey, nil, time.Now())
	assert.Equal(t, 0, s.Len())
}

func TestTileCache_StoreFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(ctx, &redis.Options{Addr: mr.Addr()}, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	c := New(rs, DefaultTTL, zap.NewNop())
	mr.Close()

	c.Set(ctx, testKey, []byte("tile"), time.Now())
	_, ok := c.Get(ctx, testKey)
	assert.False(t, ok)
}
