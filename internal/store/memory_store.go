package store

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     string
	expiresAt time.Time
	counter   bool
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore implements Store in process memory.
//
// Plain values are LRU-bounded by maxSize (0 disables the bound). Keys created
// through Incr are counters and are never evicted, only expired.
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	lruList *list.List
	plain   int
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(maxSize int, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Backend() string { return BackendMemory }

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.lookup(key)
	if ent == nil {
		return "", false, nil
	}
	return ent.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.expiry(ttl)

	if elem, ok := s.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiresAt = expiresAt
		if ent.counter {
			ent.counter = false
			s.plain++
		}
		s.lruList.MoveToFront(elem)
		return nil
	}

	s.evict()

	ent := &entry{key: key, value: value, expiresAt: expiresAt}
	s.items[key] = s.lruList.PushFront(ent)
	s.plain++
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.lookup(key)
	if ent == nil {
		ent = &entry{key: key, value: "1", counter: true}
		s.items[key] = s.lruList.PushFront(ent)
		return 1, nil
	}

	n, err := strconv.ParseInt(ent.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	n++
	ent.value = strconv.FormatInt(n, 10)
	if !ent.counter {
		ent.counter = true
		s.plain--
	}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.lookup(key)
	if ent == nil {
		return nil
	}
	if ttl <= 0 {
		s.remove(s.items[key])
		return nil
	}
	ent.expiresAt = s.now().Add(ttl)
	return nil
}

// Len counts live and not yet purged entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len()
}

// lookup returns the live entry for key, purging it if expired. Caller holds mu.
func (s *MemoryStore) lookup(key string) *entry {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}

	ent := elem.Value.(*entry)
	if ent.expired(s.now()) {
		s.remove(elem)
		return nil
	}

	s.lruList.MoveToFront(elem)
	return ent
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// evict makes room for one more plain value. Caller holds mu.
func (s *MemoryStore) evict() {
	if s.maxSize <= 0 {
		return
	}

	for elem := s.lruList.Back(); elem != nil && s.plain >= s.maxSize; {
		prev := elem.Prev()
		if !elem.Value.(*entry).counter {
			s.remove(elem)
		}
		elem = prev
	}
}

func (s *MemoryStore) remove(elem *list.Element) {
	ent := elem.Value.(*entry)
	if !ent.counter {
		s.plain--
	}
	delete(s.items, ent.key)
	s.lruList.Remove(elem)
}
