package stream

import "time"

// dedupeCache remembers recently emitted keys, bounded by count and age,
// whichever limit is reached first.
type dedupeCache struct {
	capacity int
	window   time.Duration
	seen     map[string]time.Time
	order    []dedupeEntry
}

type dedupeEntry struct {
	key string
	at  time.Time
}

func newDedupeCache(capacity int, window time.Duration) *dedupeCache {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &dedupeCache{
		capacity: capacity,
		window:   window,
		seen:     make(map[string]time.Time, capacity),
		order:    make([]dedupeEntry, 0, capacity),
	}
}

// add records key at now and reports whether it was new.
func (c *dedupeCache) add(key string, now time.Time) bool {
	c.evict(now)
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = now
	c.order = append(c.order, dedupeEntry{key: key, at: now})
	for len(c.order) > c.capacity {
		c.drop()
	}
	return true
}

func (c *dedupeCache) len() int { return len(c.order) }

func (c *dedupeCache) evict(now time.Time) {
	if c.window <= 0 {
		return
	}
	cutoff := now.Add(-c.window)
	for len(c.order) > 0 && c.order[0].at.Before(cutoff) {
		c.drop()
	}
}

func (c *dedupeCache) drop() {
	head := c.order[0]
	delete(c.seen, head.key)
	c.order[0] = dedupeEntry{}
	c.order = c.order[1:]
}
