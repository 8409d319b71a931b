package publish

import (
	"container/list"
	"sync"
	"time"
)

// DedupCache is a bounded fingerprint set with TTL eviction: a hash index
// for membership plus an insertion-ordered list acting as the ring. Size
// caps are explicit configuration, never implicit growth.
type DedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	index   map[string]*list.Element
	order   *list.List

	now func() time.Time
}

type dedupEntry struct {
	fingerprint string
	seenAt      time.Time
}

// NewDedupCache creates a cache holding at most maxSize fingerprints for
// at most ttl each.
func NewDedupCache(ttl time.Duration, maxSize int) *DedupCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &DedupCache{
		ttl:     ttl,
		maxSize: maxSize,
		index:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen records fingerprint and reports whether it was already present
// within the TTL window.
func (c *DedupCache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpired(now)

	if _, ok := c.index[fingerprint]; ok {
		return true
	}

	for c.order.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.index[fingerprint] = c.order.PushBack(&dedupEntry{fingerprint: fingerprint, seenAt: now})
	return false
}

// Len returns the current number of tracked fingerprints.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(c.now())
	return c.order.Len()
}

func (c *DedupCache) evictExpired(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*dedupEntry)
		if entry.seenAt.After(cutoff) {
			return
		}
		c.evictOldest()
	}
}

func (c *DedupCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := c.order.Remove(front).(*dedupEntry)
	delete(c.index, entry.fingerprint)
}
