// Package store abstracts the shared key-value and hash store that every
// process coordinates through.
package store

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Store is the subset of Redis semantics needed by locks and caches.
// Missing keys and fields are reported through the boolean result, never as
// errors.
type Store interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// ExpireAt sets an absolute expiry on key and reports whether key exists.
	ExpireAt(ctx context.Context, key string, at time.Time) (bool, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)

	// CompareAndSwap replaces the value of key with next only if it currently
	// equals old. A zero ttl clears any expiry.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if its value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
}

type entry struct {
	value    []byte
	fields   map[string][]byte
	expireAt time.Time
}

// InMemory is a Store backed by local maps. It is safe for concurrent use and
// suitable for tests and single-process deployments.
type InMemory struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]*entry
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithClock sets the clock used to evaluate expiries.
func WithClock(c clock.Clock) InMemoryOption {
	return func(s *InMemory) {
		s.clock = c
	}
}

// NewInMemory returns an empty InMemory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{clock: clock.New(), items: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the entry for key, evicting it first if it has expired.
// Callers must hold s.mu.
func (s *InMemory) live(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.clock.Now().Before(e.expireAt) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *InMemory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (s *InMemory) HSet(ctx context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.items[key] = e
	}
	if e.fields == nil {
		e.fields = make(map[string][]byte)
	}
	e.fields[field] = clone(value)
	return nil
}

func (s *InMemory) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, false, nil
	}
	v, ok := e.fields[field]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *InMemory) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.fields, f)
	}
	if len(e.fields) == 0 && e.value == nil {
		delete(s.items, key)
	}
	return nil
}

func (s *InMemory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.items[key] = &entry{value: clone(value), expireAt: s.deadline(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.value == nil {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (s *InMemory) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.items, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *InMemory) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

func (s *InMemory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(key) != nil {
		return false, nil
	}
	s.items[key] = &entry{value: clone(value), expireAt: s.deadline(ttl)}
	return true, nil
}

func (s *InMemory) ExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	e.expireAt = at
	return true, nil
}

func (s *InMemory) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	var cur int64
	if e != nil && e.value != nil {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		cur = v
	}
	cur += n
	if e == nil {
		e = &entry{}
		s.items[key] = e
	}
	e.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (s *InMemory) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.IncrBy(ctx, key, -n)
}

func (s *InMemory) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.value == nil || !bytes.Equal(e.value, old) {
		return false, nil
	}
	e.value = clone(next)
	e.expireAt = s.deadline(ttl)
	return true, nil
}

func (s *InMemory) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.value == nil || !bytes.Equal(e.value, old) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}
