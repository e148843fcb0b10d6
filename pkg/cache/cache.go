// Package cache provides an LRU cache with TTL expiry for embedding
// vectors.
//
// Embedding the same text twice costs a second round trip to the provider
// and returns the same vector, so the cached embedder keys vectors by
// (model, text) and serves repeats from memory. Dedup benefits most: the
// ingestion pipeline embeds candidate content once for similarity scoring
// and again when the piece is stored.
//
// Thread-safe. Entries are evicted least-recently-used when the cache is
// full and lazily on Get when their TTL has passed.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// VectorCache is an LRU cache mapping hashed (model, text) keys to
// embedding vectors.
type VectorCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key      uint64
	vector   []float32
	storedAt time.Time
}

// New creates a vector cache holding at most maxSize entries. Entries
// older than ttl are treated as absent; ttl <= 0 disables expiry.
func New(maxSize int, ttl time.Duration) *VectorCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &VectorCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

// Key hashes a model name and text into a cache key. Different models
// produce different vectors for the same text, so both participate.
func Key(model, text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum64()
}

// Get returns the cached vector for key, or nil and false on a miss.
// Expired entries count as misses and are removed.
func (c *VectorCache) Get(key uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	ent := elem.Value.(*entry)
	if c.ttl > 0 && time.Since(ent.storedAt) > c.ttl {
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return ent.vector, true
}

// Put stores a vector under key, evicting the least recently used entry
// if the cache is full. Storing under an existing key refreshes it.
func (c *VectorCache) Put(key uint64, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.vector = vector
		ent.storedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushFront(&entry{key: key, vector: vector, storedAt: time.Now()})
	c.entries[key] = elem
}

// Remove deletes the entry for key if present.
func (c *VectorCache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
}

// Clear drops all entries. Hit and miss counters are preserved.
func (c *VectorCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
}

// Len returns the number of cached entries, including any not yet
// expired lazily.
func (c *VectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats describes cache occupancy and effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns a snapshot of cache statistics.
func (c *VectorCache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	s := Stats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// caller must hold c.mu
func (c *VectorCache) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// caller must hold c.mu
func (c *VectorCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*entry).key)
}
