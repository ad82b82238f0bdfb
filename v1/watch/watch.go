// Package watch streams the messages of broker topics to external
// observers. A Hub attaches to a broker once per topic and fans the decoded
// messages out to any number of watchers.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-tether/v1/broker"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/packet"
)

const defaultBuffer = 16

// Event is the JSON form of a message seen on a watched topic.
type Event struct {
	Topic  string          `json:"topic"`
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Source string          `json:"source,omitempty"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// NewEvent renders msg as an Event.
func NewEvent(topic string, msg packet.Message) (Event, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Event{}, err
	}
	h := msg.Meta()
	return Event{
		Topic:  topic,
		Type:   fmt.Sprintf("%T", msg),
		ID:     h.ID,
		Source: h.Source,
		Target: h.Target,
		Data:   data,
	}, nil
}

// Hub fans broker messages out to watchers. Messages this process publishes
// itself are only seen when the broker has echo suppression disabled.
type Hub struct {
	broker  *broker.Broker
	buffer  int
	metrics *metrics.Watch

	mu       sync.Mutex
	watchers map[string]map[chan []byte]struct{}
	attached map[string]bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-watcher channel capacity. Events are dropped for
// watchers whose buffer is full.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics registers the watcher gauge on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Hub) {
		h.metrics = metrics.NewWatch(reg)
	}
}

// NewHub returns a Hub reading from b.
func NewHub(b *broker.Broker, opts ...Option) *Hub {
	h := &Hub{
		broker:   b,
		buffer:   defaultBuffer,
		watchers: make(map[string]map[chan []byte]struct{}),
		attached: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) attach(ctx context.Context, topic string) error {
	h.mu.Lock()
	if h.attached[topic] {
		h.mu.Unlock()
		return nil
	}
	h.attached[topic] = true
	h.mu.Unlock()

	err := h.broker.Subscribe(ctx, topic, func(ctx context.Context, msg packet.Message) error {
		ev, err := NewEvent(topic, msg)
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		h.fanout(topic, data)
		return nil
	})
	if err != nil {
		h.mu.Lock()
		delete(h.attached, topic)
		h.mu.Unlock()
	}
	return err
}

func (h *Hub) fanout(topic string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[topic] {
		select {
		case ch <- data:
		default:
		}
	}
}

// Watch returns a channel receiving the JSON encoded Events of topic. The
// channel is closed once ctx ends or Unwatch is called.
func (h *Hub) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.attach(ctx, topic); err != nil {
		return nil, err
	}
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	set, ok := h.watchers[topic]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.watchers[topic] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	h.metrics.Inc()

	go func() {
		<-ctx.Done()
		h.Unwatch(topic, ch)
	}()
	return ch, nil
}

// Unwatch stops delivering topic to ch and closes it. Unknown channels are
// ignored.
func (h *Hub) Unwatch(topic string, ch chan []byte) {
	h.mu.Lock()
	set := h.watchers[topic]
	_, ok := set[ch]
	if ok {
		delete(set, ch)
		close(ch)
		if len(set) == 0 {
			delete(h.watchers, topic)
		}
	}
	h.mu.Unlock()
	if ok {
		h.metrics.Dec()
	}
}

// Watchers returns the number of watchers of topic.
func (h *Hub) Watchers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[topic])
}
