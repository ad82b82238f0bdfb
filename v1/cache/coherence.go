package cache

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-tether/v1/broker"
	"github.com/mirkobrombin/go-tether/v1/codec"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/packet"
	"github.com/mirkobrombin/go-tether/v1/registry"
	"github.com/mirkobrombin/go-tether/v1/store"
)

// DefaultTopic carries invalidation notices.
const DefaultTopic = "cache-invalidate"

// NoticeType is the name InvalidationNotice is registered under in a
// JSONCodec.
const NoticeType = "tether.invalidation"

// ErrTypeMismatch is returned when a cache name is reused with another value
// type.
var ErrTypeMismatch = stdErrors.New("cache: name already bound to another value type")

// InvalidationNotice tells other processes that Field of the cache Key
// changed. Origin is the identity of the writer.
type InvalidationNotice struct {
	packet.Header
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Field  string `json:"field"`
}

type invalidator interface {
	Invalidate(ctx context.Context, field string) error
}

// Coherence keeps the local caches of one process coherent with the writes
// of every other process sharing the broker and store.
type Coherence struct {
	identity string
	broker   *broker.Broker
	store    store.Store
	topic    string
	metrics  *metrics.Cache
	logger   *slog.Logger

	mu      sync.Mutex
	remotes map[string]any
	locals  map[string]invalidator
	started bool
}

// CoherenceOption configures a Coherence.
type CoherenceOption func(*Coherence)

// WithTopic changes the invalidation topic.
func WithTopic(topic string) CoherenceOption {
	return func(c *Coherence) {
		if topic != "" {
			c.topic = topic
		}
	}
}

// WithMetrics registers cache collectors on reg.
func WithMetrics(reg prometheus.Registerer) CoherenceOption {
	return func(c *Coherence) {
		c.metrics = metrics.NewCache(reg)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoherenceOption {
	return func(c *Coherence) {
		c.logger = l
	}
}

// NewCoherence returns a Coherence for identity. Call Start before relying
// on remote invalidations.
func NewCoherence(identity string, b *broker.Broker, s store.Store, opts ...CoherenceOption) *Coherence {
	c := &Coherence{
		identity: identity,
		broker:   b,
		store:    s,
		topic:    DefaultTopic,
		logger:   slog.Default(),
		remotes:  make(map[string]any),
		locals:   make(map[string]invalidator),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topic returns the invalidation topic.
func (c *Coherence) Topic() string { return c.topic }

// Store returns the backing store.
func (c *Coherence) Store() store.Store { return c.store }

// RegisterNotice makes InvalidationNotice known to cd.
func RegisterNotice(cd codec.Codec) error {
	switch cd := cd.(type) {
	case *codec.JSONCodec:
		return cd.Register(NoticeType, (*InvalidationNotice)(nil))
	case codec.GobCodec, *codec.GobCodec:
		codec.RegisterGob(&InvalidationNotice{})
	}
	return nil
}

// Start subscribes to the invalidation topic. It is safe to call more than
// once.
func (c *Coherence) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := RegisterNotice(c.broker.Codec()); err != nil {
		return err
	}
	err := c.broker.Observe(ctx, c.topic, registry.Handlers{registry.OnEvent(c.onNotice)})
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
	}
	return err
}

func (c *Coherence) onNotice(ctx context.Context, n *InvalidationNotice) error {
	if n.Origin == c.identity {
		return nil
	}
	c.mu.Lock()
	local, ok := c.locals[n.Key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.metrics.Invalidated(n.Key)
	c.logger.Debug("tether: invalidating local copy", "cache", n.Key, "field", n.Field, "origin", n.Origin)
	return local.Invalidate(ctx, n.Field)
}

// Notify implements Notifier by publishing an InvalidationNotice.
func (c *Coherence) Notify(ctx context.Context, key, field string) error {
	n := &InvalidationNotice{Header: packet.NewHeader(), Origin: c.identity, Key: key, Field: field}
	if err := c.broker.Publish(ctx, c.topic, n); err != nil {
		return &tethererrors.CoherenceError{Key: key, Field: field, Err: err}
	}
	return nil
}

// Caches returns the names of every cache created through c, sorted.
func (c *Coherence) Caches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.remotes)+len(c.locals))
	for name := range c.remotes {
		seen[name] = struct{}{}
	}
	for name := range c.locals {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remote returns the remote cache called name, creating it on first use.
func Remote[T any](c *Coherence, name string, opts ...RemoteOption) (*RemoteCache[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remoteLocked[T](c, name, opts)
}

func remoteLocked[T any](c *Coherence, name string, opts []RemoteOption) (*RemoteCache[T], error) {
	if existing, ok := c.remotes[name]; ok {
		r, ok := existing.(*RemoteCache[T])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, name)
		}
		return r, nil
	}
	r := NewRemote[T](name, c.store, opts...)
	c.remotes[name] = r
	return r, nil
}

// Local returns the local cache called name, creating it on first use.
// Options only apply when the cache is created.
func Local[T any](c *Coherence, name string, opts ...LocalOption) (*LocalCache[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.locals[name]; ok {
		l, ok := existing.(*LocalCache[T])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, name)
		}
		return l, nil
	}
	cfg := localConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	remote, err := remoteLocked[T](c, name, cfg.remote)
	if err != nil {
		return nil, err
	}
	l, err := NewLocal(remote, c, append(opts, withCacheMetrics(c.metrics))...)
	if err != nil {
		return nil, &tethererrors.CacheError{Name: name, Op: "create", Err: err}
	}
	c.locals[name] = l
	return l, nil
}
