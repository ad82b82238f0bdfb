package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyTransport struct {
	*InMemory
	fail error
}

func (f *flakyTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.fail != nil {
		return f.fail
	}
	return f.InMemory.Publish(ctx, topic, payload)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	ft := &flakyTransport{InMemory: NewInMemory()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(ft, 2, timeout)
	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	ft.fail = failErr
	if err := cb.Publish(ctx, "k", nil); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "k", nil); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "k", nil); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	ft.fail = nil
	if err := cb.Publish(ctx, "k", nil); err != nil {
		t.Fatalf("trial publish: %v", err)
	}
	if err := cb.Publish(ctx, "k", nil); err != nil {
		t.Fatalf("expected closed circuit after successful trial call, got %v", err)
	}
}

func TestCircuitBreakerFailedTrialReopens(t *testing.T) {
	ft := &flakyTransport{InMemory: NewInMemory(), fail: errors.New("down")}
	timeout := 20 * time.Millisecond
	cb := NewCircuitBreaker(ft, 1, timeout)
	ctx := context.Background()

	_ = cb.Publish(ctx, "k", nil)
	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "k", nil); err == nil || err == ErrCircuitOpen {
		t.Fatalf("expected the trial call to hit the backend, got %v", err)
	}
	if err := cb.Publish(ctx, "k", nil); err != ErrCircuitOpen {
		t.Fatalf("expected circuit reopened, got %v", err)
	}
}

func TestCircuitBreakerPassesSubscriptions(t *testing.T) {
	mem := NewInMemory()
	cb := NewCircuitBreaker(mem, 1, time.Second)
	ctx := context.Background()
	h, ch := collect()
	if err := cb.Subscribe(ctx, "k", h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "k", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expect(t, ch, "x")
}
