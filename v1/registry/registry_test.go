package registry

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	"github.com/mirkobrombin/go-tether/v1/codec"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/future"
	"github.com/mirkobrombin/go-tether/v1/packet"
)

type ping struct {
	packet.Header
	N int
}

type pong struct {
	packet.Header
	N int
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []packet.Message
}

func (r *recordingReplier) Reply(ctx context.Context, req packet.Message, result *future.Future[packet.Message]) {
	v, err := result.Await(ctx)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.replies = append(r.replies, v)
	r.mu.Unlock()
}

func newRegistry() *Registry {
	return New(codec.NewJSON().MustRegister("ping", &ping{}).MustRegister("pong", &pong{}))
}

func TestDeliverMatchesTypeAndTopic(t *testing.T) {
	r := newRegistry()
	var pings, pongs, other int
	_ = r.Register("a", Handlers{
		OnEvent(func(ctx context.Context, m *ping) error { pings++; return nil }),
		OnEvent(func(ctx context.Context, m *pong) error { pongs++; return nil }),
	})
	_ = r.Register("b", Handlers{
		OnEvent(func(ctx context.Context, m *ping) error { other++; return nil }),
	})

	if err := r.Deliver(context.Background(), "a", &ping{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pings != 1 || pongs != 0 || other != 0 {
		t.Fatalf("unexpected counts pings=%d pongs=%d other=%d", pings, pongs, other)
	}
	if err := r.Deliver(context.Background(), "c", &ping{}); err != nil {
		t.Fatalf("deliver to empty topic must be a no-op, got %v", err)
	}
}

func TestRegistrationIsAdditive(t *testing.T) {
	r := newRegistry()
	calls := 0
	h := Handlers{OnEvent(func(ctx context.Context, m *ping) error { calls++; return nil })}
	_ = r.Register("t", h)
	_ = r.Register("t", h)
	if n := r.Bindings("t"); n != 2 {
		t.Fatalf("expected 2 bindings, got %d", n)
	}
	_ = r.Deliver(context.Background(), "t", &ping{})
	if calls != 2 {
		t.Fatalf("expected both handlers to run, got %d", calls)
	}
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	r := newRegistry()
	ran := 0
	boom := stdErrors.New("boom")
	_ = r.Register("t", Handlers{
		OnEvent(func(ctx context.Context, m *ping) error { return boom }),
		OnEvent(func(ctx context.Context, m *ping) error { panic("kaboom") }),
		OnEvent(func(ctx context.Context, m *ping) error { ran++; return nil }),
	})
	err := r.Deliver(context.Background(), "t", &ping{})
	if ran != 1 {
		t.Fatal("healthy handler did not run")
	}
	if !stdErrors.Is(err, boom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	var derr *tethererrors.DispatchError
	if !stdErrors.As(err, &derr) || derr.Topic != "t" {
		t.Fatalf("expected DispatchError for topic t, got %v", err)
	}
	if joined, ok := err.(interface{ Unwrap() []error }); !ok || len(joined.Unwrap()) != 2 {
		t.Fatalf("expected two joined failures, got %v", err)
	}
}

func TestResultsAreForwardedToReplier(t *testing.T) {
	r := newRegistry()
	rep := &recordingReplier{}
	r.SetReplier(rep)
	_ = r.Register("t", Handlers{
		On(func(ctx context.Context, m *ping) (packet.Message, error) { return &pong{N: m.N + 1}, nil }),
		On(func(ctx context.Context, m *ping) (packet.Message, error) { return nil, nil }),
		OnAsync(func(ctx context.Context, m *ping) *future.Future[packet.Message] {
			return future.Go(func() (packet.Message, error) { return &pong{N: m.N + 2}, nil })
		}),
		OnEvent(func(ctx context.Context, m *ping) error { return nil }),
	})
	if err := r.Deliver(context.Background(), "t", &ping{N: 1}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(rep.replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(rep.replies))
	}
	if rep.replies[0].(*pong).N != 2 || rep.replies[1].(*pong).N != 3 {
		t.Fatalf("unexpected replies %+v %+v", rep.replies[0], rep.replies[1])
	}
}

func TestDispatchDecodes(t *testing.T) {
	c := codec.NewJSON().MustRegister("ping", &ping{})
	r := New(c)
	got := make(chan int, 1)
	_ = r.Register("t", Handlers{OnEvent(func(ctx context.Context, m *ping) error { got <- m.N; return nil })})
	raw, err := c.Encode(&ping{N: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := r.Dispatch(context.Background(), "t", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := <-got; n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
	var berr *tethererrors.BrokerError
	if err := r.Dispatch(context.Background(), "t", []byte("garbage")); !stdErrors.As(err, &berr) || berr.Op != "decode" {
		t.Fatalf("expected decode BrokerError, got %v", err)
	}
}

func TestRegisterRejectsEmptySubscriber(t *testing.T) {
	r := newRegistry()
	if err := r.Register("t", Handlers{}); !stdErrors.Is(err, tethererrors.ErrNoBindings) {
		t.Fatalf("expected ErrNoBindings, got %v", err)
	}
}
