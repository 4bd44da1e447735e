package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int
	LogLevel      string
	AllowedOrigin string

	TomorrowAPIKey  string
	TomorrowBaseURL string
	UpstreamTimeout time.Duration

	RedisURL           string
	StoreTimeout       time.Duration
	CacheMemoryEntries int

	CacheTTL            time.Duration
	CacheStaleRetention time.Duration

	RateBurst       int
	RateSpacing     time.Duration
	RateHourlyLimit int
	RateDailyLimit  int

	QueueTimeout              time.Duration
	QueueRetryBackoff         time.Duration
	QueueDispatchDelay        time.Duration
	QueueDispatchDelayNearCap time.Duration

	ConfigFile string
}

// fileConfig is the optional YAML overlay. Zero values leave the env value untouched.
type fileConfig struct {
	Cache struct {
		TTL            string `yaml:"ttl"`
		StaleRetention string `yaml:"stale-retention"`
		MemoryEntries  int    `yaml:"memory-entries"`
	} `yaml:"cache"`

	RateLimit struct {
		Burst   int    `yaml:"burst"`
		Spacing string `yaml:"spacing"`
		Hourly  int    `yaml:"hourly"`
		Daily   int    `yaml:"daily"`
	} `yaml:"rate-limit"`

	Queue struct {
		Timeout              string `yaml:"timeout"`
		RetryBackoff         string `yaml:"retry-backoff"`
		DispatchDelay        string `yaml:"dispatch-delay"`
		DispatchDelayNearCap string `yaml:"dispatch-delay-near-cap"`
	} `yaml:"queue"`
}

// Load reads .env (if present), then the environment, then CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnvInt("PORT", 8080),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),

		TomorrowAPIKey:  strings.TrimSpace(os.Getenv("TOMORROW_API_KEY")),
		TomorrowBaseURL: getEnv("TOMORROW_BASE_URL", "https://api.tomorrow.io/v4"),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),

		RedisURL:           getEnv("REDIS_URL", ""),
		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", 2*time.Second),
		CacheMemoryEntries: getEnvInt("CACHE_MEMORY_ENTRIES", 2000),

		CacheTTL:            getEnvDuration("CACHE_TTL", 10*time.Minute),
		CacheStaleRetention: getEnvDuration("CACHE_STALE_RETENTION", 24*time.Hour),

		RateBurst:       getEnvInt("RATE_BURST", 3),
		RateSpacing:     getEnvDuration("RATE_SPACING", 300*time.Millisecond),
		RateHourlyLimit: getEnvInt("RATE_HOURLY_LIMIT", 25),
		RateDailyLimit:  getEnvInt("RATE_DAILY_LIMIT", 500),

		QueueTimeout:              getEnvDuration("QUEUE_TIMEOUT", 30*time.Second),
		QueueRetryBackoff:         getEnvDuration("QUEUE_RETRY_BACKOFF", 100*time.Millisecond),
		QueueDispatchDelay:        getEnvDuration("QUEUE_DISPATCH_DELAY", 200*time.Millisecond),
		QueueDispatchDelayNearCap: getEnvDuration("QUEUE_DISPATCH_DELAY_NEAR_CAP", 300*time.Millisecond),

		ConfigFile: getEnv("CONFIG_FILE", ""),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"cache.ttl", fc.Cache.TTL, &c.CacheTTL},
		{"cache.stale-retention", fc.Cache.StaleRetention, &c.CacheStaleRetention},
		{"rate-limit.spacing", fc.RateLimit.Spacing, &c.RateSpacing},
		{"queue.timeout", fc.Queue.Timeout, &c.QueueTimeout},
		{"queue.retry-backoff", fc.Queue.RetryBackoff, &c.QueueRetryBackoff},
		{"queue.dispatch-delay", fc.Queue.DispatchDelay, &c.QueueDispatchDelay},
		{"queue.dispatch-delay-near-cap", fc.Queue.DispatchDelayNearCap, &c.QueueDispatchDelayNearCap},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.field = parsed
	}

	if fc.Cache.MemoryEntries != 0 {
		c.CacheMemoryEntries = fc.Cache.MemoryEntries
	}
	if fc.RateLimit.Burst != 0 {
		c.RateBurst = fc.RateLimit.Burst
	}
	if fc.RateLimit.Hourly != 0 {
		c.RateHourlyLimit = fc.RateLimit.Hourly
	}
	if fc.RateLimit.Daily != 0 {
		c.RateDailyLimit = fc.RateLimit.Daily
	}

	return nil
}

func (c *Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("RATE_BURST must be > 0")
	}
	if c.RateHourlyLimit <= 0 || c.RateDailyLimit <= 0 {
		return fmt.Errorf("hourly and daily rate limits must be > 0")
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("QUEUE_TIMEOUT must be > 0")
	}
	return nil
}

// RadarEnabled reports whether upstream fetches are possible at all.
func (c *Config) RadarEnabled() bool {
	return c.TomorrowAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
