package queue

import (
	"sync"

	"github.com/google/uuid"

	"radarproxy/internal/tile"
)

// Handle is the caller's side of a queued tile request. Both the dispatcher
// and the caller's deadline may complete it; only the first call wins.
type Handle struct {
	ID  string
	Key tile.Key

	once   sync.Once
	done   chan struct{}
	result tile.Result
}

func newHandle(key tile.Key) *Handle {
	return &Handle{
		ID:   uuid.New().String(),
		Key:  key,
		done: make(chan struct{}),
	}
}

// Complete resolves the handle. It returns false if it was already resolved.
func (h *Handle) Complete(res tile.Result) bool {
	completed := false
	h.once.Do(func() {
		h.result = res
		completed = true
		close(h.done)
	})
	return completed
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the handle is resolved.
func (h *Handle) Result() tile.Result {
	<-h.done
	return h.result
}

func (h *Handle) resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
