package transport

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATS implements Transport using core NATS subjects.
type NATS struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATS returns a Transport publishing through conn.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, subs: make(map[string]*nats.Subscription)}
}

// Publish implements Transport.Publish.
func (n *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.Publish(topic, payload); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrClosed
		}
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe.
func (n *NATS) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.subs[topic]; ok {
		return ErrAlreadySubscribed
	}
	sub, err := n.conn.Subscribe(topic, func(m *nats.Msg) {
		n.delivered.Add(1)
		h(ctx, topic, m.Data)
	})
	if err != nil {
		return err
	}
	// Make sure the server knows about the interest before returning so
	// that a publish right after Subscribe is not lost.
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	n.subs[topic] = sub

	if ctx.Done() == nil {
		return nil
	}
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		if n.subs[topic] == sub {
			delete(n.subs, topic)
		}
		n.mu.Unlock()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Unsubscribe implements Transport.Unsubscribe.
func (n *NATS) Unsubscribe(ctx context.Context, topic string) error {
	n.mu.Lock()
	sub := n.subs[topic]
	delete(n.subs, topic)
	n.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Close drops every subscription. The connection is owned by the caller.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// Metrics implements Transport.Metrics.
func (n *NATS) Metrics() Metrics {
	return Metrics{
		Published: n.published.Load(),
		Delivered: n.delivered.Load(),
	}
}
