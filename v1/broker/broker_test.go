package broker

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-tether/v1/codec"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/future"
	"github.com/mirkobrombin/go-tether/v1/packet"
	"github.com/mirkobrombin/go-tether/v1/registry"
	"github.com/mirkobrombin/go-tether/v1/transport"
)

type add struct {
	packet.Header
	A, B int
}

type sum struct {
	packet.Header
	V int
}

type note struct {
	packet.Header
	Text string
}

func newCodec() codec.Codec {
	return codec.NewJSON().
		MustRegister("add", &add{}).
		MustRegister("sum", &sum{}).
		MustRegister("note", &note{})
}

// newCluster returns one broker per identity, all attached to the same
// in-memory hub.
func newCluster(t *testing.T, opts []Option, identities ...string) []*Broker {
	t.Helper()
	hub := transport.NewInMemory()
	c := newCodec()
	brokers := make([]*Broker, len(identities))
	for i, id := range identities {
		brokers[i] = New(id, hub.Peer(), c, opts...)
	}
	t.Cleanup(func() {
		for _, b := range brokers {
			_ = b.Close()
		}
	})
	return brokers
}

func adder() registry.Handlers {
	return registry.Handlers{
		registry.On(func(ctx context.Context, m *add) (packet.Message, error) {
			return &sum{Header: packet.NewHeader(), V: m.A + m.B}, nil
		}),
	}
}

func TestRequestReply(t *testing.T) {
	nodes := newCluster(t, nil, "server", "client")
	server, client := nodes[0], nodes[1]
	ctx := context.Background()
	if err := server.Observe(ctx, "math", adder()); err != nil {
		t.Fatalf("observe: %v", err)
	}

	res, err := RequestAs[*sum](ctx, client, "math", &add{A: 2, B: 3})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.V != 5 {
		t.Fatalf("expected 5, got %d", res.V)
	}
	if res.Source != "server" || res.Target != "client" {
		t.Fatalf("unexpected reply routing %+v", res.Header)
	}
	if n := client.Pending(); n != 0 {
		t.Fatalf("expected empty pending table, got %d", n)
	}
}

func TestAsyncHandlerReply(t *testing.T) {
	nodes := newCluster(t, nil, "server", "client")
	server, client := nodes[0], nodes[1]
	ctx := context.Background()
	_ = server.Observe(ctx, "math", registry.Handlers{
		registry.OnAsync(func(ctx context.Context, m *add) *future.Future[packet.Message] {
			return future.Go(func() (packet.Message, error) {
				time.Sleep(20 * time.Millisecond)
				return &sum{V: m.A * m.B}, nil
			})
		}),
	})
	res, err := client.Request(ctx, "math", &add{A: 4, B: 5})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.(*sum).V != 20 {
		t.Fatalf("expected 20, got %d", res.(*sum).V)
	}
}

func TestRequestTimeout(t *testing.T) {
	nodes := newCluster(t, []Option{WithRequestTimeout(50 * time.Millisecond)}, "client")
	client := nodes[0]
	start := time.Now()
	_, err := client.Request(context.Background(), "nobody-listens", &add{})
	if !stdErrors.Is(err, tethererrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var terr *tethererrors.TimeoutError
	if !stdErrors.As(err, &terr) || terr.Topic != "nobody-listens" {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout took too long")
	}
	if n := client.Pending(); n != 0 {
		t.Fatalf("expected pending entry removed, got %d", n)
	}
}

func TestRequestContextCancel(t *testing.T) {
	nodes := newCluster(t, nil, "client")
	client := nodes[0]
	ctx, cancel := context.WithCancel(context.Background())
	f, err := client.RequestAsync(ctx, "void", &add{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	cancel()
	if _, err := f.Await(context.Background()); !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := client.Pending(); n != 0 {
		t.Fatalf("expected pending entry removed, got %d", n)
	}
}

func TestFirstReplyWins(t *testing.T) {
	nodes := newCluster(t, nil, "s1", "s2", "client")
	ctx := context.Background()
	var served atomic.Int32
	for _, s := range nodes[:2] {
		_ = s.Observe(ctx, "math", registry.Handlers{
			registry.On(func(ctx context.Context, m *add) (packet.Message, error) {
				served.Add(1)
				return &sum{V: m.A + m.B}, nil
			}),
		})
	}
	res, err := nodes[2].Request(ctx, "math", &add{A: 1, B: 1})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.(*sum).V != 2 {
		t.Fatalf("expected 2, got %d", res.(*sum).V)
	}
	time.Sleep(50 * time.Millisecond)
	if served.Load() != 2 {
		t.Fatalf("expected both responders to run, got %d", served.Load())
	}
	if n := nodes[2].Pending(); n != 0 {
		t.Fatalf("expected empty pending table, got %d", n)
	}
}

func TestEchoSuppression(t *testing.T) {
	nodes := newCluster(t, nil, "a", "b")
	a, b := nodes[0], nodes[1]
	ctx := context.Background()
	selfCh := make(chan string, 1)
	peerCh := make(chan string, 1)
	_ = a.Subscribe(ctx, "chat", func(ctx context.Context, msg packet.Message) error {
		selfCh <- msg.(*note).Text
		return nil
	})
	_ = b.Subscribe(ctx, "chat", func(ctx context.Context, msg packet.Message) error {
		peerCh <- msg.(*note).Text
		return nil
	})
	if err := a.Publish(ctx, "chat", &note{Text: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-peerCh:
		if got != "hi" {
			t.Fatalf("expected hi, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("peer did not receive message")
	}
	select {
	case <-selfCh:
		t.Fatal("publisher received its own message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEchoSuppressionDisabled(t *testing.T) {
	nodes := newCluster(t, []Option{WithEchoSuppression(false)}, "a")
	a := nodes[0]
	ctx := context.Background()
	got := make(chan struct{}, 1)
	_ = a.Subscribe(ctx, "chat", func(ctx context.Context, msg packet.Message) error {
		got <- struct{}{}
		return nil
	})
	_ = a.Publish(ctx, "chat", &note{Text: "self"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("expected own message to be delivered")
	}
}

func TestSubscribeSharesTransportSubscription(t *testing.T) {
	hub := transport.NewInMemory()
	peer := hub.Peer()
	b := New("a", peer, newCodec())
	defer b.Close()
	ctx := context.Background()
	var calls atomic.Int32
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		if err := b.Subscribe(ctx, "t", func(ctx context.Context, msg packet.Message) error {
			calls.Add(1)
			done <- struct{}{}
			return nil
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := hub.Publish(ctx, "t", mustEncode(t, &note{Header: packet.Header{Source: "x"}})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
	}
	if m := peer.Metrics(); m.Delivered != 1 {
		t.Fatalf("expected one transport delivery, got %d", m.Delivered)
	}
}

func TestFailingHandlerDoesNotStopOthers(t *testing.T) {
	reg := prometheus.NewRegistry()
	nodes := newCluster(t, []Option{WithMetrics(reg)}, "a", "b")
	a, b := nodes[0], nodes[1]
	ctx := context.Background()
	ok := make(chan struct{}, 1)
	_ = b.Subscribe(ctx, "t", func(ctx context.Context, msg packet.Message) error { return stdErrors.New("bad") })
	_ = b.Subscribe(ctx, "t", func(ctx context.Context, msg packet.Message) error { panic("worse") })
	_ = b.Subscribe(ctx, "t", func(ctx context.Context, msg packet.Message) error {
		ok <- struct{}{}
		return nil
	})
	_ = a.Publish(ctx, "t", &note{})
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("healthy handler not invoked")
	}
	if v := counterValue(t, reg, "tether_dispatch_errors_total"); v != 2 {
		t.Fatalf("expected 2 dispatch errors, got %v", v)
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	nodes := newCluster(t, nil, "client")
	client := nodes[0]
	f, err := client.RequestAsync(context.Background(), "void", &add{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.Await(context.Background()); !stdErrors.Is(err, tethererrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := client.Publish(context.Background(), "t", &note{}); !stdErrors.Is(err, tethererrors.ErrClosed) {
		t.Fatalf("expected ErrClosed on publish after close, got %v", err)
	}
}

func TestPublishFailureRemovesPending(t *testing.T) {
	tr := transport.NewInMemory()
	b := New("a", &failingPublish{InMemory: tr}, newCodec())
	defer b.Close()
	_, err := b.RequestAsync(context.Background(), "t", &add{})
	var berr *tethererrors.BrokerError
	if !stdErrors.As(err, &berr) || berr.Op != "publish" {
		t.Fatalf("expected publish BrokerError, got %v", err)
	}
	if n := b.Pending(); n != 0 {
		t.Fatalf("expected pending entry removed, got %d", n)
	}
}

func TestRepliesForOtherTargetsAreIgnored(t *testing.T) {
	nodes := newCluster(t, []Option{WithRequestTimeout(100 * time.Millisecond)}, "client", "intruder")
	client, intruder := nodes[0], nodes[1]
	ctx := context.Background()
	f, err := client.RequestAsync(ctx, "void", &add{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	client.mu.Lock()
	var id string
	for k := range client.pending {
		id = k
	}
	client.mu.Unlock()

	wrong := &sum{Header: packet.Header{ID: id, Target: "someone-else"}}
	if err := intruder.Publish(ctx, DefaultCallbackTopic, wrong); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.Await(ctx); !stdErrors.Is(err, tethererrors.ErrTimeout) {
		t.Fatalf("expected misaddressed reply to be ignored, got %v", err)
	}
}

type failingPublish struct {
	*transport.InMemory
}

func (f *failingPublish) Publish(ctx context.Context, topic string, payload []byte) error {
	return stdErrors.New("network down")
}

func mustEncode(t *testing.T, msg packet.Message) []byte {
	t.Helper()
	data, err := newCodec().Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
