package ai

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SimilarityCache caches the result of a pairwise similarity lookup keyed
// by the two KPT names involved, so repeated reflection passes over a
// largely-unchanged playbook don't re-embed and re-query unnecessarily.
type SimilarityCache interface {
	Get(ctx context.Context, a, b string) (float64, bool)
	Set(ctx context.Context, a, b string, score float64)
}

func cacheKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return "playbookd:simcache:" + hex.EncodeToString(sum[:])
}

// RedisSimilarityCache is the primary cache implementation, backing the
// optional embedding similarity oracle's results with a shared TTL'd store
// so multiple playbookd invocations across a project benefit from it.
type RedisSimilarityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSimilarityCache dials addr (host:port) and returns a cache with
// the given TTL for entries.
func NewRedisSimilarityCache(addr string, ttl time.Duration) *RedisSimilarityCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSimilarityCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// Get returns the cached score, if present and still fresh.
func (c *RedisSimilarityCache) Get(ctx context.Context, a, b string) (float64, bool) {
	val, err := c.client.Get(ctx, cacheKey(a, b)).Result()
	if err != nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// Set stores score under the pair's cache key with the cache's TTL.
func (c *RedisSimilarityCache) Set(ctx context.Context, a, b string, score float64) {
	c.client.Set(ctx, cacheKey(a, b), strconv.FormatFloat(score, 'f', -1, 64), c.ttl)
}

// Close releases the underlying Redis connection pool.
func (c *RedisSimilarityCache) Close() error {
	return c.client.Close()
}

// lruEntry is one cached pair score in the in-memory fallback cache.
type lruEntry struct {
	key   string
	score float64
}

// InMemorySimilarityCache is a bounded LRU used when no Redis address is
// configured, so the similarity oracle still benefits from caching within
// a single long-running process.
type InMemorySimilarityCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

// NewInMemorySimilarityCache builds an LRU cache holding up to capacity
// entries.
func NewInMemorySimilarityCache(capacity int) *InMemorySimilarityCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemorySimilarityCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached score, if present, and marks it most-recently-used.
func (c *InMemorySimilarityCache) Get(ctx context.Context, a, b string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(a, b)
	el, ok := c.items[key]
	if !ok {
		return 0, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).score, true
}

// Set stores score, evicting the least-recently-used entry if at capacity.
func (c *InMemorySimilarityCache) Set(ctx context.Context, a, b string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(a, b)
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).score = score
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruEntry{key: key, score: score})
	c.items[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
