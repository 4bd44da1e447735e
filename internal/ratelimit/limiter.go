// Package ratelimit decides whether a new upstream tile call may be made.
//
// Three tiers apply, in order:
//
//   - burst: fewer than Limits.Burst calls recorded in the last Window are
//     admitted immediately;
//   - spacing: past the burst, a call needs Limits.Spacing since the last one;
//   - hard caps: the hourly and daily counters, kept in the shared store,
//     must be under Limits.Hourly and Limits.Daily.
//
// Burst and spacing state is local to the process. Only the hard caps are
// shared between instances, and only when the store is Redis.
//
// Reserve checks every tier and takes a slot in one step, so concurrent
// callers can never be admitted past a limit. The slot is turned into real
// usage by Reservation.Commit once the upstream call succeeded, or handed
// back by Reservation.Release when it failed.
//
// Store failures never reach the caller: the limiter keeps going with the
// last counter values it saw and counts locally until the store answers again.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"radarproxy/internal/store"
	"radarproxy/internal/tile"
)

const (
	HourlyKey      = "ratelimit:hourly"
	DailyKey       = "ratelimit:daily"
	LastRequestKey = "ratelimit:lastRequestTime"
)

type Limits struct {
	Burst   int
	Spacing time.Duration
	Window  time.Duration
	Hourly  int
	Daily   int

	HourlyTTL time.Duration
	DailyTTL  time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		Burst:     3,
		Spacing:   300 * time.Millisecond,
		Window:    time.Second,
		Hourly:    25,
		Daily:     500,
		HourlyTTL: time.Hour,
		DailyTTL:  24 * time.Hour,
	}
}

// Decision is the outcome of Reserve.
type Decision int

const (
	Admitted Decision = iota
	// Throttled means the burst and spacing tiers refused; retry shortly.
	Throttled
	// CapReached means the hourly or daily cap is used up, counting calls in flight.
	CapReached
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Throttled:
		return "throttled"
	case CapReached:
		return "cap_reached"
	default:
		return "unknown"
	}
}

type Limiter struct {
	store  store.Store
	limits Limits
	logger *zap.Logger
	now    func() time.Time

	// degraded-mode warnings, at most one per interval
	warn rate.Sometimes

	// admit serializes the read-decide-reserve sequence of Reserve against
	// the point where Commit turns a reservation into counted usage.
	admit sync.Mutex

	mu            sync.Mutex
	recent        []time.Time
	lastRequestAt time.Time
	inFlight      int64
	hourly        localCounter
	daily         localCounter
}

// localCounter mirrors a store counter. During a store outage it is what the
// caps are checked against, and it starts over once its window has passed.
type localCounter struct {
	ttl   time.Duration
	count int64
	start time.Time
}

func (c *localCounter) observe(n int64, now time.Time) {
	if c.start.IsZero() || n < c.count {
		c.start = now
	}
	c.count = n
}

func (c *localCounter) current(now time.Time) int64 {
	if !c.start.IsZero() && now.Sub(c.start) >= c.ttl {
		c.count = 0
		c.start = now
	}
	return c.count
}

func (c *localCounter) add(now time.Time) {
	c.current(now)
	if c.start.IsZero() {
		c.start = now
	}
	c.count++
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(s store.Store, limits Limits, logger *zap.Logger, opts ...Option) *Limiter {
	defaults := DefaultLimits()
	if limits.Window <= 0 {
		limits.Window = defaults.Window
	}
	if limits.HourlyTTL <= 0 {
		limits.HourlyTTL = defaults.HourlyTTL
	}
	if limits.DailyTTL <= 0 {
		limits.DailyTTL = defaults.DailyTTL
	}

	l := &Limiter{
		store:  s,
		limits: limits,
		logger: logger,
		now:    time.Now,
		warn:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
		hourly: localCounter{ttl: limits.HourlyTTL},
		daily:  localCounter{ttl: limits.DailyTTL},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Limits() Limits { return l.limits }

// Reservation is an admitted upstream call that has not been accounted yet.
// Exactly one of Commit or Release takes effect; a nil Reservation is a no-op.
type Reservation struct {
	l    *Limiter
	at   time.Time
	prev time.Time
	once sync.Once
}

// Reserve decides whether an upstream call may start now and, if so, takes
// its slot before returning. Calls already reserved count against the burst,
// the spacing and both caps. A used-up cap wins over the burst allowance.
func (l *Limiter) Reserve(ctx context.Context) (*Reservation, Decision) {
	l.admit.Lock()
	defer l.admit.Unlock()

	hourly, daily := l.counters(ctx)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capReachedLocked(hourly, daily) {
		return nil, CapReached
	}
	if !l.localOKLocked(now) {
		return nil, Throttled
	}

	r := &Reservation{l: l, at: now, prev: l.lastRequestAt}
	l.recent = append(l.recent, now)
	l.lastRequestAt = now
	l.inFlight++
	return r, Admitted
}

// Commit accounts for the reserved call after it succeeded.
func (r *Reservation) Commit(ctx context.Context) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		l := r.l
		l.persist(ctx, r.at)

		// the counters now include this call; only then stop counting it as in flight
		l.admit.Lock()
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
		l.admit.Unlock()
	})
}

// Release hands the slot back after a failed call. Nothing is counted.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		l := r.l
		l.mu.Lock()
		defer l.mu.Unlock()

		l.inFlight--
		for i, t := range l.recent {
			if t.Equal(r.at) {
				l.recent = append(l.recent[:i:i], l.recent[i+1:]...)
				break
			}
		}
		if l.lastRequestAt.Equal(r.at) {
			l.lastRequestAt = r.prev
			// another reservation may share this instant
			if n := len(l.recent); n > 0 && l.recent[n-1].After(l.lastRequestAt) {
				l.lastRequestAt = l.recent[n-1]
			}
		}
	})
}

// CanMakeRequest reports whether an upstream call may start now without
// taking a slot. Use Reserve when the answer leads to a call.
func (l *Limiter) CanMakeRequest(ctx context.Context) bool {
	hourly, daily := l.counters(ctx)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.capReachedLocked(hourly, daily) && l.localOKLocked(now)
}

// HardLimitReached reports whether the hourly or daily cap is used up.
func (l *Limiter) HardLimitReached(ctx context.Context) bool {
	hourly, daily := l.counters(ctx)
	return hourly >= int64(l.limits.Hourly) || daily >= int64(l.limits.Daily)
}

// NearHourlyCap reports whether at least 80% of the hourly cap is used.
func (l *Limiter) NearHourlyCap(ctx context.Context) bool {
	hourly, _ := l.counters(ctx)
	return hourly*5 >= int64(l.limits.Hourly)*4
}

// RecordRequest accounts for one successful upstream call made without a
// reservation.
func (l *Limiter) RecordRequest(ctx context.Context) {
	now := l.now()

	l.mu.Lock()
	l.recent = append(l.pruneLocked(now), now)
	l.lastRequestAt = now
	l.mu.Unlock()

	l.persist(ctx, now)
}

// Status returns the current counts without consuming any budget.
func (l *Limiter) Status(ctx context.Context) tile.RateStatus {
	now := l.now()

	l.mu.Lock()
	l.recent = l.pruneLocked(now)
	perSecond := len(l.recent)
	l.mu.Unlock()

	hourly, daily := l.counters(ctx)
	return tile.RateStatus{PerSecond: perSecond, PerHour: hourly, PerDay: daily}
}

// persist increments the shared counters for a call made at t.
func (l *Limiter) persist(ctx context.Context, t time.Time) {
	l.increment(ctx, HourlyKey, l.limits.HourlyTTL, &l.hourly)
	l.increment(ctx, DailyKey, l.limits.DailyTTL, &l.daily)

	if err := l.store.Set(ctx, LastRequestKey, strconv.FormatInt(t.UnixMilli(), 10), l.limits.HourlyTTL); err != nil {
		l.degraded("set", LastRequestKey, err)
	}
}

// capReachedLocked checks the caps with calls in flight included. Caller holds mu.
func (l *Limiter) capReachedLocked(hourly, daily int64) bool {
	return hourly+l.inFlight >= int64(l.limits.Hourly) || daily+l.inFlight >= int64(l.limits.Daily)
}

// localOKLocked runs the burst and spacing tiers. Caller holds mu.
func (l *Limiter) localOKLocked(now time.Time) bool {
	l.recent = l.pruneLocked(now)
	if len(l.recent) < l.limits.Burst {
		return true
	}
	return now.Sub(l.lastRequestAt) >= l.limits.Spacing
}

// pruneLocked drops timestamps older than the window. Caller holds mu.
func (l *Limiter) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-l.limits.Window)
	i := 0
	for i < len(l.recent) && !l.recent[i].After(cutoff) {
		i++
	}
	return l.recent[i:]
}

func (l *Limiter) counters(ctx context.Context) (int64, int64) {
	hourly, hourlyOK := l.read(ctx, HourlyKey)
	daily, dailyOK := l.read(ctx, DailyKey)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if hourlyOK {
		l.hourly.observe(hourly, now)
	} else {
		hourly = l.hourly.current(now)
	}
	if dailyOK {
		l.daily.observe(daily, now)
	} else {
		daily = l.daily.current(now)
	}
	return hourly, daily
}

func (l *Limiter) read(ctx context.Context, key string) (int64, bool) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.degraded("get", key, err)
		return 0, false
	}
	if !ok {
		return 0, true
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.degraded("parse", key, err)
		return 0, false
	}
	return n, true
}

func (l *Limiter) increment(ctx context.Context, key string, ttl time.Duration, local *localCounter) {
	n, err := l.store.Incr(ctx, key)
	now := l.now()
	if err != nil {
		l.degraded("incr", key, err)
		l.mu.Lock()
		local.add(now)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	if n == 1 {
		local.start = now
	}
	local.observe(n, now)
	l.mu.Unlock()

	// first hit of a window starts its TTL
	if n == 1 {
		if err := l.store.Expire(ctx, key, ttl); err != nil {
			l.degraded("expire", key, err)
		}
	}
}

func (l *Limiter) degraded(op, key string, err error) {
	l.warn.Do(func() {
		l.logger.Warn("Rate limit store unavailable, using local counters",
			zap.String("op", op),
			zap.String("key", key),
			zap.String("backend", l.store.Backend()),
			zap.Error(err),
		)
	})
}
