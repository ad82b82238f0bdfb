// Package transport moves opaque payloads between processes on named topics.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrAlreadySubscribed is returned when a topic already has a handler on
	// the same transport.
	ErrAlreadySubscribed = errors.New("transport: topic already subscribed")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives a payload published on topic. Handlers of one topic are
// invoked sequentially from a listener goroutine owned by the transport.
type Handler func(ctx context.Context, topic string, payload []byte)

// Transport is a best-effort, at-most-once pub/sub channel.
//
// Subscribe keeps the subscription until ctx is done, Unsubscribe is called
// or the transport is closed. Every process subscribed to a topic receives
// every payload published on it, including its own.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
	Metrics() Metrics
}

// Metrics reports the number of published and delivered payloads.
type Metrics struct {
	Published uint64
	Delivered uint64
}

const memoryBuffer = 128

type memorySub struct {
	owner  *InMemory
	topic  string
	h      Handler
	ch     chan []byte
	done   chan struct{}
	closed sync.Once
}

func (s *memorySub) stop() {
	s.closed.Do(func() { close(s.done) })
}

type hub struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

// InMemory is a Transport whose peers live in the same process. Payloads
// are queued per subscriber and dropped when the queue is full.
type InMemory struct {
	hub       *hub
	mu        sync.Mutex
	own       map[string]*memorySub
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemory returns a transport on a fresh private hub.
func NewInMemory() *InMemory {
	return newInMemory(&hub{subs: make(map[string][]*memorySub)})
}

func newInMemory(h *hub) *InMemory {
	return &InMemory{hub: h, own: make(map[string]*memorySub)}
}

// Peer returns a new transport connected to the same hub, as if it were
// another process on the same network.
func (t *InMemory) Peer() *InMemory {
	return newInMemory(t.hub)
}

// Publish implements Transport.Publish.
func (t *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.hub.mu.Lock()
	subs := append([]*memorySub(nil), t.hub.subs[topic]...)
	t.hub.mu.Unlock()
	t.published.Add(1)
	for _, s := range subs {
		data := append([]byte(nil), payload...)
		select {
		case s.ch <- data:
			s.owner.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Transport.Subscribe.
func (t *InMemory) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, ok := t.own[topic]; ok {
		t.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s := &memorySub{owner: t, topic: topic, h: h, ch: make(chan []byte, memoryBuffer), done: make(chan struct{})}
	t.own[topic] = s
	t.mu.Unlock()

	t.hub.mu.Lock()
	t.hub.subs[topic] = append(t.hub.subs[topic], s)
	t.hub.mu.Unlock()

	go func() {
		for {
			select {
			case p := <-s.ch:
				s.h(ctx, topic, p)
			case <-s.done:
				return
			case <-ctx.Done():
				t.remove(s)
				return
			}
		}
	}()
	return nil
}

func (t *InMemory) remove(s *memorySub) {
	t.mu.Lock()
	if t.own[s.topic] == s {
		delete(t.own, s.topic)
	}
	t.mu.Unlock()

	t.hub.mu.Lock()
	subs := t.hub.subs[s.topic]
	for i, c := range subs {
		if c == s {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			break
		}
	}
	if len(subs) == 0 {
		delete(t.hub.subs, s.topic)
	} else {
		t.hub.subs[s.topic] = subs
	}
	t.hub.mu.Unlock()
	s.stop()
}

// Unsubscribe implements Transport.Unsubscribe.
func (t *InMemory) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	s := t.own[topic]
	t.mu.Unlock()
	if s != nil {
		t.remove(s)
	}
	return nil
}

// Close removes every subscription of this peer. Other peers on the hub are
// unaffected.
func (t *InMemory) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*memorySub, 0, len(t.own))
	for _, s := range t.own {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		t.remove(s)
	}
	return nil
}

// Metrics implements Transport.Metrics.
func (t *InMemory) Metrics() Metrics {
	return Metrics{
		Published: t.published.Load(),
		Delivered: t.delivered.Load(),
	}
}
