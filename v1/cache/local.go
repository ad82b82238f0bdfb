package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-tether/v1/metrics"
)

// Notifier broadcasts that field of the cache key changed.
type Notifier interface {
	Notify(ctx context.Context, key, field string) error
}

// LocalCache mirrors a RemoteCache in process. Writes go to the remote hash
// first and are then announced so that other processes drop their copy.
type LocalCache[T any] struct {
	remote    *RemoteCache[T]
	mirror    Cache[T]
	mirrorTTL time.Duration
	notifier  Notifier
	metrics   *metrics.Cache

	group singleflight.Group

	// mu orders mirror writes against invalidations. gen changes on every
	// mutation; read-through results computed across a change are not
	// memoized.
	mu  sync.Mutex
	gen uint64
}

// LocalOption configures a LocalCache.
type LocalOption func(*localConfig)

type localConfig struct {
	maxEntries int
	mirrorTTL  time.Duration
	ristretto  bool
	remote     []RemoteOption
	metrics    *metrics.Cache
}

// WithMaxEntries bounds the local mirror.
func WithMaxEntries(n int) LocalOption {
	return func(c *localConfig) {
		c.maxEntries = n
	}
}

// WithMirrorTTL expires local copies after d even without an invalidation.
func WithMirrorTTL(d time.Duration) LocalOption {
	return func(c *localConfig) {
		c.mirrorTTL = d
	}
}

// WithRistretto keeps the mirror in a ristretto cache instead of the LRU.
func WithRistretto() LocalOption {
	return func(c *localConfig) {
		c.ristretto = true
	}
}

// WithRemoteOptions configures the RemoteCache created by Coherence.
func WithRemoteOptions(opts ...RemoteOption) LocalOption {
	return func(c *localConfig) {
		c.remote = append(c.remote, opts...)
	}
}

func withCacheMetrics(m *metrics.Cache) LocalOption {
	return func(c *localConfig) {
		c.metrics = m
	}
}

// NewLocal returns a LocalCache over remote. A nil notifier disables
// broadcasting.
func NewLocal[T any](remote *RemoteCache[T], n Notifier, opts ...LocalOption) (*LocalCache[T], error) {
	cfg := localConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var mirror Cache[T]
	if cfg.ristretto {
		rc, err := NewRistretto[T](cfg.maxEntries)
		if err != nil {
			return nil, err
		}
		mirror = rc
	} else {
		mirror = NewMemory[T](WithCapacity(cfg.maxEntries))
	}
	return &LocalCache[T]{
		remote:    remote,
		mirror:    mirror,
		mirrorTTL: cfg.mirrorTTL,
		notifier:  n,
		metrics:   cfg.metrics,
	}, nil
}

// Name returns the name of the underlying remote cache.
func (l *LocalCache[T]) Name() string { return l.remote.Name() }

// Remote returns the underlying remote cache.
func (l *LocalCache[T]) Remote() *RemoteCache[T] { return l.remote }

type readResult[T any] struct {
	value T
	ok    bool
}

// Get returns the local copy of field, reading it from the remote hash on a
// miss. Concurrent misses for one field share a single remote read.
func (l *LocalCache[T]) Get(ctx context.Context, field string) (T, bool, error) {
	if v, ok, err := l.mirror.Get(ctx, field); err == nil && ok {
		l.metrics.Hit(l.Name())
		return v, true, nil
	}
	l.metrics.Miss(l.Name())

	res, err, _ := l.group.Do(field, func() (any, error) {
		l.mu.Lock()
		gen := l.gen
		l.mu.Unlock()
		v, ok, err := l.remote.Get(ctx, field)
		if err != nil || !ok {
			return readResult[T]{}, err
		}
		l.mu.Lock()
		if l.gen == gen {
			_ = l.mirror.Set(ctx, field, v, l.mirrorTTL)
		}
		l.mu.Unlock()
		return readResult[T]{value: v, ok: true}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	r := res.(readResult[T])
	return r.value, r.ok, nil
}

// Set writes value to the remote hash, keeps it locally and announces the
// change. A failed announcement returns a CoherenceError; the write stays.
func (l *LocalCache[T]) Set(ctx context.Context, field string, value T) error {
	if err := l.remote.Set(ctx, field, value); err != nil {
		return err
	}
	l.mu.Lock()
	l.gen++
	_ = l.mirror.Set(ctx, field, value, l.mirrorTTL)
	l.mu.Unlock()
	return l.notify(ctx, field)
}

// Del removes field remotely and locally and announces the change.
func (l *LocalCache[T]) Del(ctx context.Context, field string) error {
	if err := l.remote.Del(ctx, field); err != nil {
		return err
	}
	l.drop(ctx, field)
	return l.notify(ctx, field)
}

// Invalidate drops the local copy of field without touching the remote
// hash.
func (l *LocalCache[T]) Invalidate(ctx context.Context, field string) error {
	return l.drop(ctx, field)
}

func (l *LocalCache[T]) drop(ctx context.Context, field string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	return l.mirror.Invalidate(ctx, field)
}

// Close releases the mirror.
func (l *LocalCache[T]) Close() {
	if c, ok := l.mirror.(interface{ Close() }); ok {
		c.Close()
	}
}

func (l *LocalCache[T]) notify(ctx context.Context, field string) error {
	if l.notifier == nil {
		return nil
	}
	return l.notifier.Notify(ctx, l.Name(), field)
}
