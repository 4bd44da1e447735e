package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOMORROW_API_KEY", "")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("RATE_HOURLY_LIMIT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.CacheStaleRetention)
	assert.Equal(t, 3, cfg.RateBurst)
	assert.Equal(t, 300*time.Millisecond, cfg.RateSpacing)
	assert.Equal(t, 25, cfg.RateHourlyLimit)
	assert.Equal(t, 500, cfg.RateDailyLimit)
	assert.Equal(t, 30*time.Second, cfg.QueueTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.QueueRetryBackoff)
	assert.False(t, cfg.RadarEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TOMORROW_API_KEY", " secret ")
	t.Setenv("RATE_HOURLY_LIMIT", "40")
	t.Setenv("QUEUE_TIMEOUT", "5s")
	t.Setenv("RATE_SPACING", "not-a-duration")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.TomorrowAPIKey)
	assert.True(t, cfg.RadarEnabled())
	assert.Equal(t, 40, cfg.RateHourlyLimit)
	assert.Equal(t, 5*time.Second, cfg.QueueTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.RateSpacing, "invalid values fall back to the default")
}

func TestLoad_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.yaml")
	content := `
rate-limit:
  hourly: 50
  daily: 1000
  spacing: 250ms
queue:
  timeout: 10s
cache:
  ttl: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RATE_HOURLY_LIMIT", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.RateHourlyLimit)
	assert.Equal(t, 1000, cfg.RateDailyLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.RateSpacing)
	assert.Equal(t, 10*time.Second, cfg.QueueTimeout)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.RateBurst)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  timeout: soon\n"), 0644))
	t.Setenv("CONFIG_FILE", path)
	_, err = Load()
	assert.ErrorContains(t, err, "queue.timeout")
}

func TestValidate(t *testing.T) {
	cfg := &Config{CacheTTL: time.Minute, RateBurst: 3, RateHourlyLimit: 25, RateDailyLimit: 500, QueueTimeout: time.Second}
	assert.NoError(t, cfg.Validate())

	cfg.RateHourlyLimit = 0
	assert.Error(t, cfg.Validate())
}
