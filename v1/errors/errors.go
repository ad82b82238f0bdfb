package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
	// ErrNotAcquired reports a single failed lock attempt. The retry loop
	// consumes it; callers only see it from TryOnce-style paths.
	ErrNotAcquired = errors.New("lock held by another owner")
	// ErrNoBindings is returned when a subscriber exposes no handlers.
	ErrNoBindings = errors.New("subscriber has no bindings")
)

// BrokerError wraps a transport or codec fault raised while publishing,
// subscribing or decoding.
type BrokerError struct {
	Op    string
	Topic string
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("tether: broker %s on %q: %v", e.Op, e.Topic, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// DispatchError reports a single failed handler invocation.
type DispatchError struct {
	Topic string
	Type  string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("tether: handler for %s on %q failed: %v", e.Type, e.Topic, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TimeoutError is returned when no reply arrived within the request deadline.
type TimeoutError struct {
	ID    string
	Topic string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tether: request %s on %q timed out after %s", e.ID, e.Topic, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// LockError wraps a store fault raised by a lock operation.
type LockError struct {
	Name string
	Op   string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("tether: lock %q %s: %v", e.Name, e.Op, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// RetryExhaustedError is the terminal lock failure surfaced to callers.
type RetryExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("tether: lock %q not acquired after %d attempts", e.Name, e.Attempts)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// CacheError wraps a store or codec fault raised by a cache operation.
type CacheError struct {
	Name  string
	Op    string
	Field string
	Err   error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("tether: cache %q %s %q: %v", e.Name, e.Op, e.Field, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// CoherenceError reports a failed invalidation broadcast. The write that
// triggered it has already been applied and is not rolled back.
type CoherenceError struct {
	Key   string
	Field string
	Err   error
}

func (e *CoherenceError) Error() string {
	return fmt.Sprintf("tether: invalidation of %s/%s not broadcast: %v", e.Key, e.Field, e.Err)
}

func (e *CoherenceError) Unwrap() error { return e.Err }
