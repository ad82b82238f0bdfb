package transport

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/transport")

const (
	redisTimeout          = 5 * time.Second
	redisSubscribeRetries = 5
)

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Redis implements Transport over Redis pub/sub channels.
type Redis struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedis returns a Transport publishing through client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, subs: make(map[string]*redisSubscription)}
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return tethererrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return tethererrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Transport.Publish.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "Redis.Publish", trace.WithAttributes(
		attribute.String("tether.topic", topic),
		attribute.Int("tether.payload.size", len(payload)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := r.client.Publish(cctx, topic, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapRedisErr(err)
	}
	r.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe. Failed attempts are retried with
// jittered exponential backoff.
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.subs[topic]; ok {
		r.mu.Unlock()
		return ErrAlreadySubscribed
	}
	r.mu.Unlock()

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < redisSubscribeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return mapRedisErr(err)
		}
		cctx, cancel := context.WithTimeout(ctx, redisTimeout)
		ps := r.client.Subscribe(cctx, topic)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			return r.attach(ctx, topic, ps, h)
		}
		_ = ps.Close()
		lastErr = mapRedisErr(err)
		if stdErrors.Is(lastErr, tethererrors.ErrConnectionClosed) {
			return lastErr
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return mapRedisErr(ctx.Err())
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return lastErr
}

func (r *Redis) attach(ctx context.Context, topic string, ps *redis.PubSub, h Handler) error {
	sub := &redisSubscription{pubsub: ps, done: make(chan struct{})}
	r.mu.Lock()
	if _, ok := r.subs[topic]; ok || r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		if r.closed {
			return ErrClosed
		}
		return ErrAlreadySubscribed
	}
	r.subs[topic] = sub
	r.mu.Unlock()

	go r.dispatch(ctx, topic, sub, h)
	go func() {
		select {
		case <-ctx.Done():
			r.remove(topic, sub)
		case <-sub.done:
		}
	}()
	return nil
}

func (r *Redis) dispatch(ctx context.Context, topic string, sub *redisSubscription, h Handler) {
	for msg := range sub.pubsub.Channel() {
		_, span := tracer.Start(ctx, "Redis.Dispatch", trace.WithAttributes(attribute.String("tether.topic", topic)))
		r.delivered.Add(1)
		h(ctx, topic, []byte(msg.Payload))
		span.End()
	}
}

func (r *Redis) remove(topic string, sub *redisSubscription) error {
	r.mu.Lock()
	if r.subs[topic] != sub {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, topic)
	r.mu.Unlock()
	close(sub.done)
	return sub.pubsub.Close()
}

// Unsubscribe implements Transport.Unsubscribe.
func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	sub := r.subs[topic]
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return r.remove(topic, sub)
}

// Close drops every subscription. The client is owned by the caller and is
// left open.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
		_ = sub.pubsub.Close()
	}
	return nil
}

// Metrics implements Transport.Metrics.
func (r *Redis) Metrics() Metrics {
	return Metrics{
		Published: r.published.Load(),
		Delivered: r.delivered.Load(),
	}
}
