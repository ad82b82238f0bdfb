// Package metrics exposes Prometheus collectors for broker, lock, cache and
// watch activity. All recording methods are safe on a nil receiver so that
// components can call them unconditionally.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// register adds c to reg, returning the already registered collector when an
// identical one exists. Several nodes in one process can then share a
// registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Broker records message traffic.
type Broker struct {
	published      *prometheus.CounterVec
	requests       *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	dispatchErrors *prometheus.CounterVec
}

// NewBroker creates broker collectors and registers them on reg.
func NewBroker(reg prometheus.Registerer) *Broker {
	return &Broker{
		published: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_published_total",
			Help: "Total number of messages published",
		}, []string{"topic"})),
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_requests_total",
			Help: "Total number of requests awaiting a reply",
		}, []string{"topic"})),
		timeouts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_request_timeouts_total",
			Help: "Total number of requests that timed out",
		}, []string{"topic"})),
		dispatchErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_dispatch_errors_total",
			Help: "Total number of failed handler invocations",
		}, []string{"topic"})),
	}
}

func (m *Broker) Published(topic string) {
	if m != nil {
		m.published.WithLabelValues(topic).Inc()
	}
}

func (m *Broker) Requested(topic string) {
	if m != nil {
		m.requests.WithLabelValues(topic).Inc()
	}
}

func (m *Broker) TimedOut(topic string) {
	if m != nil {
		m.timeouts.WithLabelValues(topic).Inc()
	}
}

func (m *Broker) DispatchFailed(topic string, n int) {
	if m != nil && n > 0 {
		m.dispatchErrors.WithLabelValues(topic).Add(float64(n))
	}
}

// Lock records lock activity.
type Lock struct {
	attempts *prometheus.CounterVec
	acquired *prometheus.CounterVec
	renewals *prometheus.CounterVec
	lost     *prometheus.CounterVec
}

// NewLock creates lock collectors and registers them on reg.
func NewLock(reg prometheus.Registerer) *Lock {
	return &Lock{
		attempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_lock_attempts_total",
			Help: "Total number of lock acquisition attempts",
		}, []string{"lock"})),
		acquired: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_lock_acquired_total",
			Help: "Total number of successful lock acquisitions",
		}, []string{"lock"})),
		renewals: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_lock_renewals_total",
			Help: "Total number of lease renewals",
		}, []string{"lock"})),
		lost: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_lock_lost_total",
			Help: "Total number of leases lost while held",
		}, []string{"lock"})),
	}
}

func (m *Lock) Attempted(name string) {
	if m != nil {
		m.attempts.WithLabelValues(name).Inc()
	}
}

func (m *Lock) Acquired(name string) {
	if m != nil {
		m.acquired.WithLabelValues(name).Inc()
	}
}

func (m *Lock) Renewed(name string) {
	if m != nil {
		m.renewals.WithLabelValues(name).Inc()
	}
}

func (m *Lock) Lost(name string) {
	if m != nil {
		m.lost.WithLabelValues(name).Inc()
	}
}

// Cache records local cache effectiveness and invalidations.
type Cache struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewCache creates cache collectors and registers them on reg.
func NewCache(reg prometheus.Registerer) *Cache {
	return &Cache{
		hits: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_cache_hits_total",
			Help: "Total number of local cache hits",
		}, []string{"cache"})),
		misses: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_cache_misses_total",
			Help: "Total number of local cache misses",
		}, []string{"cache"})),
		invalidations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_invalidations_total",
			Help: "Total number of invalidation notices applied",
		}, []string{"cache"})),
	}
}

func (m *Cache) Hit(name string) {
	if m != nil {
		m.hits.WithLabelValues(name).Inc()
	}
}

func (m *Cache) Miss(name string) {
	if m != nil {
		m.misses.WithLabelValues(name).Inc()
	}
}

func (m *Cache) Invalidated(name string) {
	if m != nil {
		m.invalidations.WithLabelValues(name).Inc()
	}
}

// Watch tracks the number of connected watchers.
type Watch struct {
	watchers prometheus.Gauge
}

// NewWatch creates the watcher gauge and registers it on reg.
func NewWatch(reg prometheus.Registerer) *Watch {
	return &Watch{watchers: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tether_watchers",
		Help: "Current number of active watchers",
	}))}
}

func (m *Watch) Inc() {
	if m != nil {
		m.watchers.Inc()
	}
}

func (m *Watch) Dec() {
	if m != nil {
		m.watchers.Dec()
	}
}
