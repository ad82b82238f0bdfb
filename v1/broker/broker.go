// Package broker implements topic messaging with request/response
// correlation on top of a Transport.
//
// A request is published with a fresh correlation id and parked in a pending
// table. Handlers on the receiving side return a result which is pointed at
// the request and published on the callbacks topic, where the requesting
// broker matches it by id and completes the caller's future.
package broker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tether/v1/codec"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/future"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/packet"
	"github.com/mirkobrombin/go-tether/v1/registry"
	"github.com/mirkobrombin/go-tether/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/broker")

const (
	// DefaultCallbackTopic carries replies for every broker on the network.
	DefaultCallbackTopic  = "callbacks"
	defaultRequestTimeout = 10 * time.Second
)

// MessageHandler receives decoded messages from a subscribed topic.
type MessageHandler func(ctx context.Context, msg packet.Message) error

type topicSubs struct {
	handlers []MessageHandler
	ready    chan struct{}
	err      error
}

// Broker publishes and receives messages for one process identity.
type Broker struct {
	identity       string
	transport      transport.Transport
	codec          codec.Codec
	registry       *registry.Registry
	logger         *slog.Logger
	metrics        *metrics.Broker
	tracing        bool
	requestTimeout time.Duration
	callbackTopic  string
	suppressEcho   bool

	ctx    context.Context
	cancel context.CancelFunc

	cbMu    sync.Mutex
	cbReady bool

	mu       sync.Mutex
	topics   map[string]*topicSubs
	observed map[string]struct{}
	pending  map[string]*future.Future[packet.Message]
	closed   bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithRequestTimeout bounds how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithCallbackTopic overrides the topic replies are published on.
func WithCallbackTopic(topic string) Option {
	return func(b *Broker) {
		if topic != "" {
			b.callbackTopic = topic
		}
	}
}

// WithEchoSuppression controls whether messages published by this broker
// are delivered back to its own handlers. Suppression is on by default.
func WithEchoSuppression(enabled bool) Option {
	return func(b *Broker) {
		b.suppressEcho = enabled
	}
}

// WithRegistry sets the registry used by Observe.
func WithRegistry(r *registry.Registry) Option {
	return func(b *Broker) {
		b.registry = r
	}
}

// WithMetrics registers broker collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Broker) {
		b.metrics = metrics.NewBroker(reg)
	}
}

// WithTracing enables OpenTelemetry spans for publish, request and dispatch.
func WithTracing() Option {
	return func(b *Broker) {
		b.tracing = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// New returns a Broker that stamps outgoing messages with identity.
func New(identity string, t transport.Transport, c codec.Codec, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		identity:       identity,
		transport:      t,
		codec:          c,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		callbackTopic:  DefaultCallbackTopic,
		suppressEcho:   true,
		ctx:            ctx,
		cancel:         cancel,
		topics:         make(map[string]*topicSubs),
		observed:       make(map[string]struct{}),
		pending:        make(map[string]*future.Future[packet.Message]),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = registry.New(c, registry.WithLogger(b.logger))
	}
	b.registry.SetReplier(b)
	return b
}

// Identity returns the identity stamped on outgoing messages.
func (b *Broker) Identity() string { return b.identity }

// Registry returns the registry used by Observe.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// CallbackTopic returns the topic replies travel on.
func (b *Broker) CallbackTopic() string { return b.callbackTopic }

// Codec returns the codec used on the wire.
func (b *Broker) Codec() codec.Codec { return b.codec }

// Pending returns the number of requests awaiting a reply.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) startSpan(ctx context.Context, name, topic string) (context.Context, trace.Span) {
	if !b.tracing {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tether.topic", topic),
		attribute.String("tether.identity", b.identity),
	))
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish stamps msg with the broker identity and a correlation id when they
// are missing, then sends it on topic. Delivery is best-effort.
func (b *Broker) Publish(ctx context.Context, topic string, msg packet.Message) error {
	ctx, span := b.startSpan(ctx, "Broker.Publish", topic)
	defer span.End()

	if b.isClosed() {
		return &tethererrors.BrokerError{Op: "publish", Topic: topic, Err: tethererrors.ErrClosed}
	}
	msg.Meta().Stamp(b.identity)
	data, err := b.codec.Encode(msg)
	if err != nil {
		return &tethererrors.BrokerError{Op: "encode", Topic: topic, Err: err}
	}
	if err := b.transport.Publish(ctx, topic, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &tethererrors.BrokerError{Op: "publish", Topic: topic, Err: err}
	}
	b.metrics.Published(topic)
	return nil
}

// Subscribe adds h to the handlers of topic. Only the first handler of a
// topic opens a transport subscription; it lasts until Close.
func (b *Broker) Subscribe(ctx context.Context, topic string, h MessageHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &tethererrors.BrokerError{Op: "subscribe", Topic: topic, Err: tethererrors.ErrClosed}
	}
	if ts, ok := b.topics[topic]; ok {
		ts.handlers = append(ts.handlers, h)
		b.mu.Unlock()
		select {
		case <-ts.ready:
			return ts.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ts := &topicSubs{handlers: []MessageHandler{h}, ready: make(chan struct{})}
	b.topics[topic] = ts
	b.mu.Unlock()

	err := b.transport.Subscribe(b.ctx, topic, b.receiver())
	if err != nil {
		ts.err = &tethererrors.BrokerError{Op: "subscribe", Topic: topic, Err: err}
		b.mu.Lock()
		if b.topics[topic] == ts {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}
	close(ts.ready)
	return ts.err
}

// Observe registers s on topic in the registry and routes the topic to it.
func (b *Broker) Observe(ctx context.Context, topic string, s registry.Subscriber) error {
	if err := b.registry.Register(topic, s); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.observed[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.observed[topic] = struct{}{}
	b.mu.Unlock()

	err := b.Subscribe(ctx, topic, func(ctx context.Context, msg packet.Message) error {
		return b.registry.Deliver(ctx, topic, msg)
	})
	if err != nil {
		b.mu.Lock()
		delete(b.observed, topic)
		b.mu.Unlock()
	}
	return err
}

func (b *Broker) receiver() transport.Handler {
	return func(ctx context.Context, topic string, payload []byte) {
		msg, err := b.codec.Decode(payload)
		if err != nil {
			b.logger.Warn("tether: dropping undecodable message", "topic", topic, "error", err)
			return
		}
		if b.suppressEcho && topic != b.callbackTopic && msg.Meta().Source == b.identity {
			return
		}
		ctx, span := b.startSpan(ctx, "Broker.Dispatch", topic)
		defer span.End()

		b.mu.Lock()
		var handlers []MessageHandler
		if ts, ok := b.topics[topic]; ok {
			handlers = append(handlers, ts.handlers...)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			if err := b.call(ctx, h, msg); err != nil {
				b.metrics.DispatchFailed(topic, countErrors(err))
				span.RecordError(err)
			}
		}
	}
}

func (b *Broker) call(ctx context.Context, h MessageHandler, msg packet.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			b.logger.Warn("tether: handler panicked", "type", fmt.Sprintf("%T", msg), "error", err)
		}
	}()
	return h(ctx, msg)
}

func countErrors(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

func (b *Broker) ensureCallbacks(ctx context.Context) error {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	if b.cbReady {
		return nil
	}
	if err := b.Subscribe(ctx, b.callbackTopic, b.onReply); err != nil {
		return err
	}
	b.cbReady = true
	return nil
}

func (b *Broker) onReply(ctx context.Context, msg packet.Message) error {
	h := msg.Meta()
	if h.ID == "" {
		return nil
	}
	if h.Target != "" && h.Target != b.identity {
		return nil
	}
	f := b.take(h.ID)
	if f == nil {
		b.logger.Debug("tether: dropping unmatched reply", "id", h.ID, "source", h.Source)
		return nil
	}
	f.Resolve(msg)
	return nil
}

// take removes and returns the pending future for id.
func (b *Broker) take(id string) *future.Future[packet.Message] {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return f
}

// RequestAsync publishes msg on topic with a fresh correlation id and
// returns a future completed by the first matching reply. The future fails
// with a *errors.TimeoutError when no reply arrives within the request
// timeout.
func (b *Broker) RequestAsync(ctx context.Context, topic string, msg packet.Message) (*future.Future[packet.Message], error) {
	ctx, span := b.startSpan(ctx, "Broker.Request", topic)
	defer span.End()

	if err := b.ensureCallbacks(ctx); err != nil {
		return nil, err
	}
	h := msg.Meta()
	h.ID = uuid.NewString()
	if h.Source == "" {
		h.Source = b.identity
	}
	id := h.ID

	f := future.New[packet.Message]()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &tethererrors.BrokerError{Op: "request", Topic: topic, Err: tethererrors.ErrClosed}
	}
	b.pending[id] = f
	b.mu.Unlock()
	b.metrics.Requested(topic)

	if err := b.Publish(ctx, topic, msg); err != nil {
		b.take(id)
		return nil, err
	}

	go b.expire(ctx, topic, id, f)
	return f, nil
}

func (b *Broker) expire(ctx context.Context, topic, id string, f *future.Future[packet.Message]) {
	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()
	select {
	case <-f.Done():
	case <-timer.C:
		if b.take(id) != nil {
			b.metrics.TimedOut(topic)
			f.Reject(&tethererrors.TimeoutError{ID: id, Topic: topic, After: b.requestTimeout})
		}
	case <-ctx.Done():
		if b.take(id) != nil {
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				b.metrics.TimedOut(topic)
				f.Reject(&tethererrors.TimeoutError{ID: id, Topic: topic, After: b.requestTimeout})
				return
			}
			f.Reject(ctx.Err())
		}
	}
}

// Request sends msg and waits for its reply.
func (b *Broker) Request(ctx context.Context, topic string, msg packet.Message) (packet.Message, error) {
	f, err := b.RequestAsync(ctx, topic, msg)
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}

// RequestAs is Request with the reply converted to T.
func RequestAs[T packet.Message](ctx context.Context, b *Broker, topic string, msg packet.Message) (T, error) {
	var zero T
	res, err := b.Request(ctx, topic, msg)
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, &tethererrors.BrokerError{Op: "request", Topic: topic, Err: fmt.Errorf("unexpected reply type %T", res)}
	}
	return v, nil
}

// Reply waits for result without blocking the caller and publishes the
// value on the callbacks topic, pointed at req.
func (b *Broker) Reply(ctx context.Context, req packet.Message, result *future.Future[packet.Message]) {
	go func() {
		cctx, cancel := context.WithTimeout(b.ctx, b.requestTimeout)
		defer cancel()
		v, err := result.Await(cctx)
		if err != nil {
			b.logger.Warn("tether: handler result failed", "id", req.Meta().ID, "error", err)
			return
		}
		if v == nil || (reflect.ValueOf(v).Kind() == reflect.Pointer && reflect.ValueOf(v).IsNil()) {
			return
		}
		rh := req.Meta()
		if rh.Source == "" {
			b.logger.Error("tether: cannot reply to a request without source", "id", rh.ID)
			return
		}
		v.Meta().PointAt(req)
		if err := b.Publish(cctx, b.callbackTopic, v); err != nil {
			b.logger.Warn("tether: reply not published", "id", rh.ID, "target", rh.Source, "error", err)
		}
	}()
}

// Close fails every pending request with ErrClosed and closes the transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*future.Future[packet.Message])
	b.mu.Unlock()

	for _, f := range pending {
		f.Reject(tethererrors.ErrClosed)
	}
	b.cancel()
	return b.transport.Close()
}
