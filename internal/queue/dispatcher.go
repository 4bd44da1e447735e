// Package queue serializes upstream tile fetches that could not be admitted
// right away.
//
// Requests are served strictly in arrival order by a single drain loop. A
// request that loses the burst/spacing check goes back to the head of the
// queue, so waiting never reorders callers.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"radarproxy/internal/ratelimit"
	"radarproxy/internal/tile"
)

// Limiter is the part of the rate limiter the drain loop consults.
type Limiter interface {
	Reserve(ctx context.Context) (*ratelimit.Reservation, ratelimit.Decision)
	NearHourlyCap(ctx context.Context) bool
}

// FetchFunc performs the upstream call for an admitted request. It must
// Commit or Release the reservation.
type FetchFunc func(ctx context.Context, key tile.Key, r *ratelimit.Reservation) tile.Result

// FallbackFunc answers a request once the hard caps are used up.
type FallbackFunc func(ctx context.Context, key tile.Key) tile.Result

type Config struct {
	RetryBackoff         time.Duration
	DispatchDelay        time.Duration
	DispatchDelayNearCap time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryBackoff:         100 * time.Millisecond,
		DispatchDelay:        200 * time.Millisecond,
		DispatchDelayNearCap: 300 * time.Millisecond,
	}
}

type Dispatcher struct {
	ctx      context.Context
	limiter  Limiter
	fetch    FetchFunc
	fallback FallbackFunc
	cfg      Config
	logger   *zap.Logger
	depth    func(int)

	mu       sync.Mutex
	queue    *list.List
	index    map[string]*list.Element
	draining bool
	wg       sync.WaitGroup
}

type Option func(*Dispatcher)

// WithDepthObserver is called with the queue length after every change.
func WithDepthObserver(fn func(int)) Option {
	return func(d *Dispatcher) { d.depth = fn }
}

// New creates a dispatcher. Cancelling ctx stops the drain loop and resolves
// every pending request with a timeout placeholder.
func New(ctx context.Context, limiter Limiter, fetch FetchFunc, fallback FallbackFunc, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.DispatchDelay < 0 {
		cfg.DispatchDelay = 0
	}
	if cfg.DispatchDelayNearCap < cfg.DispatchDelay {
		cfg.DispatchDelayNearCap = cfg.DispatchDelay
	}

	d := &Dispatcher{
		ctx:      ctx,
		limiter:  limiter,
		fetch:    fetch,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		depth:    func(int) {},
		queue:    list.New(),
		index:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue appends a request and starts the drain loop if it is idle.
func (d *Dispatcher) Enqueue(key tile.Key) *Handle {
	h := newHandle(key)

	d.mu.Lock()
	d.index[h.ID] = d.queue.PushBack(h)
	n := d.queue.Len()
	start := !d.draining
	if start {
		d.draining = true
		d.wg.Add(1)
	}
	d.mu.Unlock()

	d.depth(n)
	d.logger.Debug("Tile request queued", zap.String("id", h.ID), zap.String("tile", key.String()), zap.Int("depth", n))

	if start {
		go d.drain()
	}
	return h
}

// Cancel removes a request that has not been picked up yet. It reports false
// if the request is unknown or already being processed.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	el, ok := d.index[id]
	if ok {
		d.queue.Remove(el)
		delete(d.index, id)
	}
	n := d.queue.Len()
	d.mu.Unlock()

	if ok {
		d.depth(n)
	}
	return ok
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Wait blocks until the drain loop has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()

	for {
		h, ok := d.pop()
		if !ok {
			return
		}
		if h.resolved() {
			continue
		}

		if d.ctx.Err() != nil {
			d.shutdown(h)
			return
		}

		reservation, decision := d.limiter.Reserve(d.ctx)
		switch decision {
		case ratelimit.CapReached:
			d.logger.Debug("Hard limit reached, answering queued request from fallback", zap.String("id", h.ID))
			h.Complete(d.fallback(d.ctx, h.Key))
			continue
		case ratelimit.Throttled:
			d.pushFront(h)
			if !d.sleep(d.cfg.RetryBackoff) {
				d.shutdown(nil)
				return
			}
			continue
		}

		// The result is cached by fetch even if the caller gave up meanwhile.
		h.Complete(d.fetch(d.ctx, h.Key, reservation))

		delay := d.cfg.DispatchDelay
		if d.limiter.NearHourlyCap(d.ctx) {
			delay = d.cfg.DispatchDelayNearCap
		}
		if !d.sleep(delay) {
			d.shutdown(nil)
			return
		}
	}
}

// pop takes the head. On an empty queue it clears the draining flag under the
// same lock Enqueue checks it with.
func (d *Dispatcher) pop() (*Handle, bool) {
	d.mu.Lock()
	el := d.queue.Front()
	if el == nil {
		d.draining = false
		d.mu.Unlock()
		return nil, false
	}
	h := d.queue.Remove(el).(*Handle)
	delete(d.index, h.ID)
	n := d.queue.Len()
	d.mu.Unlock()

	d.depth(n)
	return h, true
}

func (d *Dispatcher) pushFront(h *Handle) {
	if h.resolved() {
		return
	}
	d.mu.Lock()
	d.index[h.ID] = d.queue.PushFront(h)
	n := d.queue.Len()
	d.mu.Unlock()

	d.depth(n)
}

func (d *Dispatcher) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return d.ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// shutdown resolves current and everything still queued as timed out.
func (d *Dispatcher) shutdown(current *Handle) {
	d.mu.Lock()
	pending := make([]*Handle, 0, d.queue.Len()+1)
	if current != nil {
		pending = append(pending, current)
	}
	for el := d.queue.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(*Handle))
	}
	d.queue.Init()
	d.index = make(map[string]*list.Element)
	d.draining = false
	d.mu.Unlock()

	d.depth(0)
	for _, h := range pending {
		h.Complete(tile.PlaceholderResult(tile.OutcomeTimedOut))
	}
	if len(pending) > 0 {
		d.logger.Info("Dispatcher stopped, pending requests released", zap.Int("count", len(pending)))
	}
}
