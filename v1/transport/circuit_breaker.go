package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("transport: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Transport so that repeated publish failures stop
// hitting the backend for a cool-down period.
type CircuitBreaker struct {
	Transport

	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker opens the circuit after threshold consecutive publish
// failures and lets a single trial call through once timeout has elapsed.
func NewCircuitBreaker(t Transport, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{Transport: t, threshold: threshold, timeout: timeout}
}

// IsHealthy reports whether publishes are currently let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	// half-open: a trial call is already in flight
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	cb.state = stateClosed
	cb.failures = 0
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Transport.Publish.
func (cb *CircuitBreaker) Publish(ctx context.Context, topic string, payload []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.Transport.Publish(ctx, topic, payload); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}
