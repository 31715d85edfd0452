package producer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ThreadSequenceCounter hands out per-thread monotonic sequences starting
// at 1. Retrieval is O(1); the counter map is hard-capped and evicts the
// least recently used thread, never a random map entry, so an active
// thread's counter is only lost if thousands of newer threads displaced it.
type ThreadSequenceCounter struct {
	mu      sync.Mutex
	counters *lru.Cache[string, uint64]
	onEvict func(threadID string, lastSeq uint64)
}

// NewThreadSequenceCounter builds a counter with the given hard cap.
// onEvict is invoked (outside the hot path lock ordering concerns; the LRU
// calls it synchronously) when a thread's counter is displaced.
func NewThreadSequenceCounter(cap int, onEvict func(threadID string, lastSeq uint64)) (*ThreadSequenceCounter, error) {
	c := &ThreadSequenceCounter{onEvict: onEvict}
	cache, err := lru.NewWithEvict[string, uint64](cap, func(key string, value uint64) {
		counterEvictions.Inc()
		if c.onEvict != nil {
			c.onEvict(key, value)
		}
	})
	if err != nil {
		return nil, err
	}
	c.counters = cache
	return c, nil
}

// Next returns the next sequence for threadID and bumps the stored value.
// The first call for a thread returns 1.
func (c *ThreadSequenceCounter) Next(threadID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, _ := c.counters.Get(threadID)
	next := last + 1
	c.counters.Add(threadID, next)
	return next
}

// Peek returns the last issued sequence without advancing.
func (c *ThreadSequenceCounter) Peek(threadID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters.Peek(threadID)
}

// Len reports how many thread counters are live.
func (c *ThreadSequenceCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters.Len()
}
