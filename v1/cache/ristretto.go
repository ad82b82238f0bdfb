package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

const defaultRistrettoEntries = 1 << 14

// RistrettoCache implements Cache using dgraph-io/ristretto. Every entry
// costs one unit, so MaxCost is the entry bound.
type RistrettoCache[T any] struct {
	c *ristretto.Cache
}

// NewRistretto returns a mirror holding roughly maxEntries values. A
// non-positive bound uses a generous default.
func NewRistretto[T any](maxEntries int) (*RistrettoCache[T], error) {
	if maxEntries <= 0 {
		maxEntries = defaultRistrettoEntries
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10, // ristretto recommends 10x the entry count
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache[T]{c: rc}, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	if !ok {
		return zero, false, nil
	}
	return val, true, nil
}

// Set implements Cache.Set. The write is visible to Get once Set returns.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.SetWithTTL(key, value, 1, ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
