// Package cache provides the tiered in-memory caches fronting expensive
// retrieval queries: LRU eviction, per-entry TTL, substring pattern
// invalidation, and hit/miss accounting.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Stats reports operational counters for one cache tier.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a thread-safe LRU cache with TTL support.
type Cache struct {
	name     string
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List

	hits   uint64
	misses uint64
}

type entry struct {
	key         string
	value       interface{}
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount int
}

// New creates a cache with the given name, capacity, and TTL.
func New(name string, capacity int, ttl time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
	}
}

// Name returns the tier name.
func (c *Cache) Name() string {
	return c.name
}

// Get retrieves a value. A miss or TTL-expired entry evicts and counts a
// miss; a hit refreshes recency and bumps the entry's access counter.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	ent := elem.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, key)
		c.misses++
		return nil, false
	}

	ent.lastAccess = time.Now()
	ent.accessCount++
	c.lru.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

// Set adds or replaces a value. On a full cache the single least-recently-used
// entry is evicted before inserting.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiresAt = now.Add(c.ttl)
		ent.lastAccess = now
		c.lru.MoveToFront(elem)
		return
	}

	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}

	elem := c.lru.PushFront(&entry{
		key:        key,
		value:      value,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	})
	c.items[key] = elem
}

// Has reports whether a live entry exists without touching recency or stats.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	return !time.Now().After(elem.Value.(*entry).expiresAt)
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.Remove(elem)
		delete(c.items, key)
	}
}

// InvalidatePattern removes every key containing the given substring and
// returns the number of evicted entries. Invalidation is immediate: a
// concurrent Get after this returns observes the eviction.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key, elem := range c.items {
		if strings.Contains(key, pattern) {
			c.lru.Remove(elem)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries. Counters are retained.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.lru.Init()
}

// Cleanup removes TTL-expired entries independent of access pattern and
// returns the number removed. Called by the periodic sweep.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var removed int
	for key, elem := range c.items {
		if now.After(elem.Value.(*entry).expiresAt) {
			c.lru.Remove(elem)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the tier's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    c.lru.Len(),
		HitRate: rate,
	}
}
