package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Cache is the process-local mirror behind a LocalCache.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key. A zero ttl never expires.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// MemoryCache is an in-memory mirror with TTL support and an optional LRU
// bound.
type MemoryCache[T any] struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	maxEntries int
	clock      clock.Clock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type item[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	maxEntries int
	clock      clock.Clock
}

// WithCapacity bounds the number of entries. The least recently used entry
// is evicted first. A non-positive value means unbounded.
func WithCapacity(n int) MemoryOption {
	return func(c *memoryConfig) {
		c.maxEntries = n
	}
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) MemoryOption {
	return func(cfg *memoryConfig) {
		cfg.clock = c
	}
}

// NewMemory returns an empty MemoryCache. Expired entries are dropped when
// they are read or pushed out by the LRU bound.
func NewMemory[T any](opts ...MemoryOption) *MemoryCache[T] {
	cfg := memoryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	return &MemoryCache[T]{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: cfg.maxEntries,
		clock:      cfg.clock,
	}
}

// Get implements Cache.Get.
func (c *MemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false, nil
	}
	it := el.Value.(*item[T])
	if !it.expiresAt.IsZero() && !c.clock.Now().Before(it.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		c.mu.Unlock()
		c.misses.Add(1)
		c.evictions.Add(1)
		return zero, false, nil
	}
	c.order.MoveToFront(el)
	v := it.value
	c.mu.Unlock()
	c.hits.Add(1)
	return v, true, nil
}

// Set implements Cache.Set.
func (c *MemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item[T])
		it.value = value
		it.expiresAt = exp
		c.order.MoveToFront(el)
		return nil
	}
	c.items[key] = c.order.PushFront(&item[T]{key: key, value: value, expiresAt: exp})
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			delete(c.items, tail.Value.(*item[T]).key)
			c.evictions.Add(1)
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *MemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Stats returns current counters for the cache.
func (c *MemoryCache[T]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
