package inflight

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// boundedEntry is the internal structure stored in the eviction list.
type boundedEntry[K comparable, V any] struct {
	key   K
	value V
}

// BoundedStore is a fixed-capacity pending-request registry with an
// oldest-evicted-first policy: once maxInFlight entries are pending, the
// next Put evicts the oldest still-unresolved entry rather than growing
// without bound, so an entry whose response never arrives cannot pin memory
// forever. The gateway's pending-dispatch wiring uses MemoryStore or
// RedisStore, not this type.
type BoundedStore[K comparable, V any] struct {
	maxInFlight int
	fallback    Fetcher[K, V]

	mu  sync.Mutex
	ll  *list.List
	idx map[K]*list.Element
}

// NewBoundedStore creates a new size-limited pending-request registry.
// maxInFlight must be > 0. fallback, if non-nil, is consulted on a Take miss
// before reporting the entry as unknown.
func NewBoundedStore[K comparable, V any](maxInFlight int, fallback Fetcher[K, V]) (*BoundedStore[K, V], error) {
	if maxInFlight <= 0 {
		return nil, fmt.Errorf("maxInFlight must be greater than 0")
	}
	return &BoundedStore[K, V]{
		maxInFlight: maxInFlight,
		fallback:    fallback,
		ll:          list.New(),
		idx:         make(map[K]*list.Element),
	}, nil
}

// Put registers a pending entry, evicting the oldest pending entry first if
// the registry is already at capacity.
func (s *BoundedStore[K, V]) Put(_ context.Context, key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.idx[key]; ok {
		elem.Value.(*boundedEntry[K, V]).value = value
		s.ll.MoveToFront(elem)
		return nil
	}

	entry := &boundedEntry[K, V]{key: key, value: value}
	elem := s.ll.PushFront(entry)
	s.idx[key] = elem

	if s.ll.Len() > s.maxInFlight {
		s.evictOldest()
	}
	return nil
}

// Take retrieves and removes the pending entry for key. On a miss it
// consults the fallback, if configured, without registering the result back
// into this bounded registry.
func (s *BoundedStore[K, V]) Take(ctx context.Context, key K) (V, error) {
	s.mu.Lock()
	if elem, ok := s.idx[key]; ok {
		s.ll.Remove(elem)
		delete(s.idx, key)
		s.mu.Unlock()
		return elem.Value.(*boundedEntry[K, V]).value, nil
	}
	s.mu.Unlock()

	var zero V
	if s.fallback == nil {
		return zero, fmt.Errorf("no pending request for correlation id %v", key)
	}
	return s.fallback.Fetch(ctx, key)
}

// evictOldest removes the longest-pending entry. Must be called with mu held.
func (s *BoundedStore[K, V]) evictOldest() {
	oldest := s.ll.Back()
	if oldest == nil {
		return
	}
	entry := s.ll.Remove(oldest).(*boundedEntry[K, V])
	delete(s.idx, entry.key)
}

// Len reports the number of requests currently awaiting a response.
func (s *BoundedStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}
