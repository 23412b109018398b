package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds a MemoryCache created with a non-positive size.
const DefaultMaxEntries = 10_000

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL and a capacity bound.
// When full, the least recently used entry is evicted.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries. Use RedisCache or the SQL tier when several replicas must
// share entries.
type MemoryCache struct {
	items *lru.Cache[string, memItem]
	done  chan struct{}

	// mu orders writes against expiry removal so a removal never drops a
	// value stored after the expired one was read.
	mu sync.Mutex
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries and starts
// the cleanup loop, which stops when ctx is canceled or Close is called.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	items, _ := lru.New[string, memItem](maxEntries) // only fails for size <= 0
	c := &MemoryCache{
		items: items,
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the value for key, or (nil, false) when absent or expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	item, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.expire(key, time.Now())
		return nil, false
	}
	return item.data, true
}

// expire removes key only if the entry currently stored is expired at now.
func (c *MemoryCache) expire(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items.Peek(key); ok && now.After(item.expiresAt) {
		c.items.Remove(key)
	}
}

// Set stores value under key for ttl. A non-positive ttl means one hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.items.Add(key, memItem{data: value, expiresAt: time.Now().Add(ttl)})
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// Len returns the number of entries held, including expired ones not yet
// evicted.
func (c *MemoryCache) Len() int {
	return c.items.Len()
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	for _, k := range c.items.Keys() {
		c.expire(k, now)
	}
}
