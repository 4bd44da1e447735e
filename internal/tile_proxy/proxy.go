package tile_proxy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"radarproxy/internal/cache"
	"radarproxy/internal/metrics"
	"radarproxy/internal/queue"
	"radarproxy/internal/ratelimit"
	"radarproxy/internal/tile"
	"radarproxy/internal/upstream"
)

const DefaultQueueTimeout = 30 * time.Second

type Limiter interface {
	queue.Limiter
	Status(ctx context.Context) tile.RateStatus
}

type Fetcher interface {
	Configured() bool
	FetchTile(ctx context.Context, key tile.Key) ([]byte, error)
}

type Config struct {
	QueueTimeout time.Duration
	Queue        queue.Config
}

// StatusReport is the body of the status check. Building it never calls
// upstream and never consumes budget.
type StatusReport struct {
	Available       bool            `json:"available"`
	Timestamp       int64           `json:"timestamp"`
	RateLimitStatus tile.RateStatus `json:"rateLimitStatus"`
}

type Proxy struct {
	tiles        *cache.TileCache
	limiter      Limiter
	upstream     Fetcher
	dispatcher   *queue.Dispatcher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	queueTimeout time.Duration
	now          func() time.Time
}

type Option func(*Proxy)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Proxy) { p.now = now }
}

// New wires the orchestrator and its dispatcher. Cancelling ctx stops the
// dispatcher; requests still queued then resolve as timed out.
func New(ctx context.Context, tiles *cache.TileCache, limiter Limiter, fetcher Fetcher, cfg Config, logger *zap.Logger, opts ...Option) *Proxy {
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}

	p := &Proxy{
		tiles:        tiles,
		limiter:      limiter,
		upstream:     fetcher,
		logger:       logger,
		queueTimeout: cfg.QueueTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	var qopts []queue.Option
	if p.metrics != nil {
		qopts = append(qopts, queue.WithDepthObserver(p.metrics.SetQueueDepth))
	}
	p.dispatcher = queue.New(ctx, limiter, p.fetchQueued, p.fallback, cfg.Queue, logger, qopts...)

	return p
}

// GetTile always produces an image. Failures degrade to a cached or
// placeholder tile tagged with the reason.
func (p *Proxy) GetTile(ctx context.Context, key tile.Key) tile.Result {
	key = key.WithDefaults()

	res := p.getTile(ctx, key)
	if p.metrics != nil {
		p.metrics.TileResults.WithLabelValues(res.Outcome.String()).Inc()
	}
	return res
}

func (p *Proxy) getTile(ctx context.Context, key tile.Key) tile.Result {
	if !p.upstream.Configured() {
		return tile.PlaceholderResult(tile.OutcomeDisabled)
	}

	if cached, ok := p.tiles.GetFresh(ctx, key); ok {
		return tile.Result{Data: cached.Data, Outcome: tile.OutcomeCacheHit}
	}

	reservation, decision := p.limiter.Reserve(ctx)
	switch decision {
	case ratelimit.CapReached:
		return p.fallback(ctx, key)
	case ratelimit.Throttled:
		return p.wait(ctx, key)
	}

	// a client going away must not abort a call that may get cached
	return p.fetch(context.WithoutCancel(ctx), key, reservation)
}

// wait hands the request to the dispatcher and bounds the wait with the
// queue timeout.
func (p *Proxy) wait(ctx context.Context, key tile.Key) tile.Result {
	start := time.Now()
	h := p.dispatcher.Enqueue(key)

	timer := time.NewTimer(p.queueTimeout)
	defer timer.Stop()

	select {
	case <-h.Done():
	case <-timer.C:
		p.abandon(h, "queue timeout")
	case <-ctx.Done():
		p.abandon(h, "request cancelled")
	}

	if p.metrics != nil {
		p.metrics.QueueWait.Observe(time.Since(start).Seconds())
	}
	return h.Result()
}

func (p *Proxy) abandon(h *queue.Handle, reason string) {
	removed := p.dispatcher.Cancel(h.ID)
	if h.Complete(tile.PlaceholderResult(tile.OutcomeTimedOut)) {
		p.logger.Warn("Queued tile request abandoned",
			zap.String("id", h.ID),
			zap.String("tile", h.Key.String()),
			zap.String("reason", reason),
			zap.Bool("in_flight", !removed),
		)
	}
}

// fetchQueued runs on the dispatcher. An earlier queued request for the same
// tile may have filled the cache already.
func (p *Proxy) fetchQueued(ctx context.Context, key tile.Key, r *ratelimit.Reservation) tile.Result {
	if cached, ok := p.tiles.GetFresh(ctx, key); ok {
		r.Release()
		return tile.Result{Data: cached.Data, Outcome: tile.OutcomeCacheHit}
	}
	return p.fetch(ctx, key, r)
}

// fetch calls upstream under a reservation. Only a successful call is
// counted against the budget.
func (p *Proxy) fetch(ctx context.Context, key tile.Key, r *ratelimit.Reservation) tile.Result {
	start := time.Now()
	data, err := p.upstream.FetchTile(ctx, key)
	p.observeUpstream(err, time.Since(start))

	if err != nil {
		r.Release()
		p.logger.Warn("Upstream tile fetch failed", zap.String("tile", key.String()), zap.Error(err))
		res := tile.PlaceholderResult(tile.OutcomeUpstreamError)
		status := p.limiter.Status(ctx)
		res.RateStatus = &status
		return res
	}

	r.Commit(ctx)
	p.tiles.Set(ctx, key, data, p.now())

	status := p.limiter.Status(ctx)
	return tile.Result{Data: data, Outcome: tile.OutcomeCacheMiss, RateStatus: &status}
}

// fallback answers without upstream once a hard cap is used up: any cached
// copy, fresh or stale, else the placeholder.
func (p *Proxy) fallback(ctx context.Context, key tile.Key) tile.Result {
	status := p.limiter.Status(ctx)

	if cached, ok := p.tiles.Get(ctx, key); ok {
		return tile.Result{
			Data:        cached.Data,
			Outcome:     tile.OutcomeStaleFallback,
			RateLimited: true,
			RateStatus:  &status,
		}
	}

	res := tile.PlaceholderResult(tile.OutcomeRateLimited)
	res.RateStatus = &status
	return res
}

func (p *Proxy) Status(ctx context.Context) StatusReport {
	return StatusReport{
		Available:       p.upstream.Configured(),
		Timestamp:       p.now().UnixMilli(),
		RateLimitStatus: p.limiter.Status(ctx),
	}
}

// CacheTTL is how long a served tile stays fresh.
func (p *Proxy) CacheTTL() time.Duration {
	return p.tiles.TTL()
}

// QueueLen is the number of requests waiting for the dispatcher.
func (p *Proxy) QueueLen() int {
	return p.dispatcher.Len()
}

// Wait blocks until the dispatcher has stopped.
func (p *Proxy) Wait() {
	p.dispatcher.Wait()
}

func (p *Proxy) observeUpstream(err error, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.UpstreamDuration.Observe(d.Seconds())

	result := "success"
	var statusErr *upstream.StatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.RateLimited():
		result = "rate_limited"
	case errors.As(err, &statusErr):
		result = "status_error"
	case errors.Is(err, upstream.ErrInvalidTile):
		result = "invalid_tile"
	default:
		result = "network_error"
	}
	p.metrics.UpstreamRequests.WithLabelValues(result).Inc()
}
