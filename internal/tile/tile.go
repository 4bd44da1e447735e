// Package tile holds the types shared by the radar tile pipeline: the tile
// identity, the result handed back to HTTP callers and the transparent
// placeholder image used whenever no real tile can be served.
package tile

import (
	"encoding/base64"
	"fmt"
)

const (
	DefaultField = "precipitationIntensity"
	DefaultTime  = "now"
)

// Key identifies a radar tile. Two requests with the same Key are interchangeable.
type Key struct {
	Zoom  int
	X     int
	Y     int
	Field string
	Time  string
}

// CacheKey is the store key for the tile, "tile:{zoom}-{x}-{y}-{field}-{time}".
func (k Key) CacheKey() string {
	return fmt.Sprintf("tile:%d-%d-%d-%s-%s", k.Zoom, k.X, k.Y, k.Field, k.Time)
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d/%s/%s", k.Zoom, k.X, k.Y, k.Field, k.Time)
}

// WithDefaults fills an empty field or time with the provider defaults.
func (k Key) WithDefaults() Key {
	if k.Field == "" {
		k.Field = DefaultField
	}
	if k.Time == "" {
		k.Time = DefaultTime
	}
	return k
}

// Outcome is the terminal state a tile request ended in.
type Outcome int

const (
	OutcomeCacheHit Outcome = iota
	OutcomeCacheMiss
	OutcomeStaleFallback
	OutcomeRateLimited
	OutcomeTimedOut
	OutcomeUpstreamError
	OutcomeDisabled
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeCacheMiss:
		return "cache_miss"
	case OutcomeStaleFallback:
		return "stale_fallback"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// RateStatus is the snapshot of the limiter counters attached to responses.
type RateStatus struct {
	PerSecond int   `json:"perSecond"`
	PerHour   int64 `json:"perHour"`
	PerDay    int64 `json:"perDay"`
}

// Result is what every tile request resolves to. Data is never empty.
type Result struct {
	Data    []byte
	Outcome Outcome

	// RateLimited is set when the response was degraded by the limiter,
	// including stale fallbacks served because a hard cap was hit and
	// requests that timed out waiting for admission.
	RateLimited bool

	// RateStatus is nil when no diagnostics were collected.
	RateStatus *RateStatus
}

// FromCache reports whether Data came from a cache entry.
func (r Result) FromCache() bool {
	return r.Outcome == OutcomeCacheHit || r.Outcome == OutcomeStaleFallback
}

// Placeholder returns a fresh copy of the transparent placeholder PNG.
func Placeholder() []byte {
	out := make([]byte, len(placeholderPNG))
	copy(out, placeholderPNG)
	return out
}

func PlaceholderResult(outcome Outcome) Result {
	return Result{
		Data:        Placeholder(),
		Outcome:     outcome,
		RateLimited: outcome == OutcomeRateLimited || outcome == OutcomeTimedOut,
	}
}

// 1x1 fully transparent PNG.
var placeholderPNG = mustDecode("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
