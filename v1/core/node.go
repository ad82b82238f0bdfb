// Package core wires one process's identity to a broker, a coherence
// manager and a lock factory that all share one transport and one store.
package core

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tether/v1/broker"
	"github.com/mirkobrombin/go-tether/v1/cache"
	"github.com/mirkobrombin/go-tether/v1/codec"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/packet"
	"github.com/mirkobrombin/go-tether/v1/registry"
	"github.com/mirkobrombin/go-tether/v1/store"
	"github.com/mirkobrombin/go-tether/v1/transport"
	"github.com/mirkobrombin/go-tether/v1/watch"
)

// Node is one participant of a tether cluster.
type Node struct {
	identity  string
	broker    *broker.Broker
	store     store.Store
	coherence *cache.Coherence
	sched     *lock.Scheduler
	hub       *watch.Hub
	lockOpts  []lock.Option
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*lock.Lock

	closeOnce sync.Once
	closeErr  error
	closers   []func() error
}

type config struct {
	identity      string
	brokerOpts    []broker.Option
	lockOpts      []lock.Option
	coherenceOpts []cache.CoherenceOption
	watchOpts     []watch.Option
	logger        *slog.Logger
	closers       []func() error
}

// Option configures a Node.
type Option func(*config)

// WithIdentity sets the node identity. A random UUID is used otherwise.
func WithIdentity(id string) Option {
	return func(c *config) {
		if id != "" {
			c.identity = id
		}
	}
}

// WithBrokerOptions passes opts to the broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(c *config) {
		c.brokerOpts = append(c.brokerOpts, opts...)
	}
}

// WithLockOptions applies opts to every lock created by the node.
func WithLockOptions(opts ...lock.Option) Option {
	return func(c *config) {
		c.lockOpts = append(c.lockOpts, opts...)
	}
}

// WithCoherenceOptions passes opts to the coherence manager.
func WithCoherenceOptions(opts ...cache.CoherenceOption) Option {
	return func(c *config) {
		c.coherenceOpts = append(c.coherenceOpts, opts...)
	}
}

// WithMetrics registers the collectors of every component on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.brokerOpts = append(c.brokerOpts, broker.WithMetrics(reg))
		c.lockOpts = append(c.lockOpts, lock.WithMetrics(reg))
		c.coherenceOpts = append(c.coherenceOpts, cache.WithMetrics(reg))
		c.watchOpts = append(c.watchOpts, watch.WithMetrics(reg))
	}
}

// WithTracing enables broker spans.
func WithTracing() Option {
	return func(c *config) {
		c.brokerOpts = append(c.brokerOpts, broker.WithTracing())
	}
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithCloser runs fn when the node is closed, after the broker. Presets use
// it to release the clients they dialed.
func WithCloser(fn func() error) Option {
	return func(c *config) {
		c.closers = append(c.closers, fn)
	}
}

// New builds a node over t and s and starts listening for cache
// invalidations. The node owns t and closes it with Close.
func New(ctx context.Context, t transport.Transport, s store.Store, cd codec.Codec, opts ...Option) (*Node, error) {
	cfg := config{identity: uuid.NewString(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logOpts := []broker.Option{broker.WithLogger(cfg.logger)}
	b := broker.New(cfg.identity, t, cd, append(logOpts, cfg.brokerOpts...)...)

	coherenceOpts := append([]cache.CoherenceOption{cache.WithLogger(cfg.logger)}, cfg.coherenceOpts...)
	sched := lock.NewScheduler(nil)
	n := &Node{
		identity:  cfg.identity,
		broker:    b,
		store:     s,
		coherence: cache.NewCoherence(cfg.identity, b, s, coherenceOpts...),
		sched:     sched,
		hub:       watch.NewHub(b, cfg.watchOpts...),
		lockOpts:  append([]lock.Option{lock.WithScheduler(sched), lock.WithLogger(cfg.logger)}, cfg.lockOpts...),
		logger:    cfg.logger,
		locks:     make(map[string]*lock.Lock),
		closers:   cfg.closers,
	}
	if err := n.coherence.Start(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

// Identity returns the node identity.
func (n *Node) Identity() string { return n.identity }

// Broker returns the node's broker.
func (n *Node) Broker() *broker.Broker { return n.broker }

// Registry returns the broker's subscription registry.
func (n *Node) Registry() *registry.Registry { return n.broker.Registry() }

// Store returns the shared store.
func (n *Node) Store() store.Store { return n.store }

// Coherence returns the cache coherence manager.
func (n *Node) Coherence() *cache.Coherence { return n.coherence }

// Watch returns the hub streaming broker topics.
func (n *Node) Watch() *watch.Hub { return n.hub }

// Lock returns the node's lock on name, creating it on first use. Node-wide
// lock options apply first and opts override them; opts are ignored once the
// lock exists. The returned Lock is safe to share between goroutines.
func (n *Node) Lock(name string, opts ...lock.Option) *lock.Lock {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.locks[name]; ok {
		return l
	}
	all := make([]lock.Option, 0, len(n.lockOpts)+len(opts))
	all = append(all, n.lockOpts...)
	all = append(all, opts...)
	l := lock.New(name, n.identity, n.store, all...)
	n.locks[name] = l
	return l
}

// Locks returns the names of the locks created through Lock, sorted.
func (n *Node) Locks() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.locks))
	for name := range n.locks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish sends msg on topic.
func (n *Node) Publish(ctx context.Context, topic string, msg packet.Message) error {
	return n.broker.Publish(ctx, topic, msg)
}

// Request sends msg on topic and waits for the reply.
func (n *Node) Request(ctx context.Context, topic string, msg packet.Message) (packet.Message, error) {
	return n.broker.Request(ctx, topic, msg)
}

// Observe routes topic to s.
func (n *Node) Observe(ctx context.Context, topic string, s registry.Subscriber) error {
	return n.broker.Observe(ctx, topic, s)
}

// ObserveAll subscribes every topic of subs concurrently and returns the
// first error.
func (n *Node) ObserveAll(ctx context.Context, subs map[string]registry.Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)
	for topic, s := range subs {
		g.Go(func() error {
			return n.broker.Observe(gctx, topic, s)
		})
	}
	return g.Wait()
}

// Close stops every watchdog, closes the broker and then runs the closers.
// Later calls return the first result.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.sched.Close()
		errs := []error{n.broker.Close()}
		for _, fn := range n.closers {
			errs = append(errs, fn())
		}
		n.closeErr = stdErrors.Join(errs...)
		n.logger.Debug("tether: node closed", "identity", n.identity, "error", n.closeErr)
	})
	return n.closeErr
}

// Local returns the coherent local cache called name.
func Local[T any](n *Node, name string, opts ...cache.LocalOption) (*cache.LocalCache[T], error) {
	return cache.Local[T](n.coherence, name, opts...)
}

// Remote returns the remote cache called name.
func Remote[T any](n *Node, name string, opts ...cache.RemoteOption) (*cache.RemoteCache[T], error) {
	return cache.Remote[T](n.coherence, name, opts...)
}
