// Package registry routes decoded messages to handlers bound by topic and
// concrete message type.
package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/mirkobrombin/go-tether/v1/codec"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/future"
	"github.com/mirkobrombin/go-tether/v1/packet"
)

// Replier forwards the eventual result of a handler back to the sender of
// req. The broker implements it.
type Replier interface {
	Reply(ctx context.Context, req packet.Message, result *future.Future[packet.Message])
}

type invoker func(ctx context.Context, msg packet.Message) (*future.Future[packet.Message], error)

// Binding associates a handler with the concrete message type it accepts.
type Binding struct {
	typ    reflect.Type
	invoke invoker
}

// Type returns the message type the binding accepts.
func (b Binding) Type() reflect.Type { return b.typ }

func typeOf[T packet.Message]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// On binds a handler that replies synchronously. A nil result sends no
// reply.
func On[T packet.Message](fn func(ctx context.Context, msg T) (packet.Message, error)) Binding {
	return Binding{typ: typeOf[T](), invoke: func(ctx context.Context, msg packet.Message) (*future.Future[packet.Message], error) {
		res, err := fn(ctx, msg.(T))
		if err != nil {
			return nil, err
		}
		if isNil(res) {
			return nil, nil
		}
		return future.Resolved(res), nil
	}}
}

// OnAsync binds a handler whose reply is completed later.
func OnAsync[T packet.Message](fn func(ctx context.Context, msg T) *future.Future[packet.Message]) Binding {
	return Binding{typ: typeOf[T](), invoke: func(ctx context.Context, msg packet.Message) (*future.Future[packet.Message], error) {
		return fn(ctx, msg.(T)), nil
	}}
}

// OnEvent binds a handler that never replies.
func OnEvent[T packet.Message](fn func(ctx context.Context, msg T) error) Binding {
	return Binding{typ: typeOf[T](), invoke: func(ctx context.Context, msg packet.Message) (*future.Future[packet.Message], error) {
		return nil, fn(ctx, msg.(T))
	}}
}

func isNil(m packet.Message) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Subscriber exposes the handlers of an object.
type Subscriber interface {
	Bindings() []Binding
}

// Handlers adapts a plain list of bindings to Subscriber.
type Handlers []Binding

func (h Handlers) Bindings() []Binding { return h }

type bindingKey struct {
	typ   reflect.Type
	topic string
}

type entry struct {
	invoke invoker
}

// Registry holds the handlers of every (type, topic) pair. Registration is
// additive and never replaces an existing handler.
type Registry struct {
	codec  codec.Codec
	logger *slog.Logger

	mu      sync.RWMutex
	buckets map[bindingKey][]entry
	topics  map[string]int
	replier Replier
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report isolated handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New returns an empty Registry decoding payloads with c.
func New(c codec.Codec, opts ...Option) *Registry {
	r := &Registry{
		codec:   c,
		logger:  slog.Default(),
		buckets: make(map[bindingKey][]entry),
		topics:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetReplier installs the component that forwards handler results.
func (r *Registry) SetReplier(rep Replier) {
	r.mu.Lock()
	r.replier = rep
	r.mu.Unlock()
}

// Register adds every binding of s under topic.
func (r *Registry) Register(topic string, s Subscriber) error {
	bindings := s.Bindings()
	if len(bindings) == 0 {
		return fmt.Errorf("%w: %T", tethererrors.ErrNoBindings, s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bindings {
		k := bindingKey{typ: b.typ, topic: topic}
		r.buckets[k] = append(r.buckets[k], entry{invoke: b.invoke})
		r.topics[topic]++
	}
	return nil
}

// Bindings returns the number of handlers registered on topic.
func (r *Registry) Bindings(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[topic]
}

// Dispatch decodes raw and delivers the result.
func (r *Registry) Dispatch(ctx context.Context, topic string, raw []byte) error {
	msg, err := r.codec.Decode(raw)
	if err != nil {
		return &tethererrors.BrokerError{Op: "decode", Topic: topic, Err: err}
	}
	return r.Deliver(ctx, topic, msg)
}

// Deliver invokes every handler bound to the type of msg on topic. A failing
// or panicking handler does not prevent the others from running; all
// failures are joined into the returned error.
func (r *Registry) Deliver(ctx context.Context, topic string, msg packet.Message) error {
	typ := reflect.TypeOf(msg)
	r.mu.RLock()
	bucket := append([]entry(nil), r.buckets[bindingKey{typ: typ, topic: topic}]...)
	replier := r.replier
	r.mu.RUnlock()

	var errs []error
	for _, e := range bucket {
		res, err := r.invoke(ctx, e, msg)
		if err != nil {
			derr := &tethererrors.DispatchError{Topic: topic, Type: typ.String(), Err: err}
			r.logger.Warn("tether: handler failed", "topic", topic, "type", typ.String(), "error", err)
			errs = append(errs, derr)
			continue
		}
		if res != nil && replier != nil {
			replier.Reply(ctx, msg, res)
		}
	}
	return stdErrors.Join(errs...)
}

func (r *Registry) invoke(ctx context.Context, e entry, msg packet.Message) (res *future.Future[packet.Message], err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return e.invoke(ctx, msg)
}
