package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-tether/v1/store"
)

// countingStore counts hash reads and can hold them until released.
type countingStore struct {
	store.Store
	reads atomic.Int32
	gate  chan struct{}
}

func (s *countingStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	s.reads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.Store.HGet(ctx, key, field)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, key, field string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, key+"/"+field)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func TestLocalReadThroughMemoizes(t *testing.T) {
	s := &countingStore{Store: store.NewInMemory()}
	ctx := context.Background()
	remote := NewRemote[string]("users", s)
	_ = remote.Set(ctx, "1", "ada")

	local, err := NewLocal(remote, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	for i := 0; i < 3; i++ {
		v, ok, err := local.Get(ctx, "1")
		if err != nil || !ok || v != "ada" {
			t.Fatalf("get: %v ok=%v err=%v", v, ok, err)
		}
	}
	if n := s.reads.Load(); n != 1 {
		t.Fatalf("expected a single remote read, got %d", n)
	}

	if _, ok, err := local.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := local.Get(ctx, "missing"); ok {
		t.Fatal("expected miss")
	}
	if n := s.reads.Load(); n != 3 {
		t.Fatalf("misses must not be memoized, got %d reads", n)
	}
}

func TestLocalCoalescesConcurrentMisses(t *testing.T) {
	s := &countingStore{Store: store.NewInMemory(), gate: make(chan struct{})}
	ctx := context.Background()
	remote := NewRemote[int]("hot", s)
	_ = s.Store.HSet(ctx, "hot", "k", []byte("42"))
	local, _ := NewLocal(remote, nil)

	const readers = 8
	var wg sync.WaitGroup
	results := make(chan int, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := local.Get(ctx, "k")
			if err != nil {
				t.Errorf("get: %v", err)
			}
			results <- v
		}()
	}
	// let the readers pile up behind the first remote read
	time.Sleep(20 * time.Millisecond)
	close(s.gate)
	wg.Wait()
	close(results)

	for v := range results {
		if v != 42 {
			t.Fatalf("unexpected value %d", v)
		}
	}
	if n := s.reads.Load(); n > 2 {
		t.Fatalf("expected misses to share a remote read, got %d reads", n)
	}
}

func TestLocalSetIsReadYourWrites(t *testing.T) {
	s := &countingStore{Store: store.NewInMemory()}
	ctx := context.Background()
	n := &recordingNotifier{}
	local, _ := NewLocal(NewRemote[string]("users", s), n)

	if err := local.Set(ctx, "1", "ada"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, _ := local.Get(ctx, "1"); !ok || v != "ada" {
		t.Fatalf("expected local value, got %v", v)
	}
	if s.reads.Load() != 0 {
		t.Fatal("read after write went to the store")
	}
	if v, ok, _ := local.Remote().Get(ctx, "1"); !ok || v != "ada" {
		t.Fatal("write did not reach the remote hash")
	}
	if n.count() != 1 || n.calls[0] != "users/1" {
		t.Fatalf("unexpected notifications %v", n.calls)
	}

	if err := local.Del(ctx, "1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := local.Get(ctx, "1"); ok {
		t.Fatal("value survived del")
	}
	if n.count() != 2 {
		t.Fatalf("del not announced: %v", n.calls)
	}
}

func TestLocalInvalidateIsLocalOnly(t *testing.T) {
	s := &countingStore{Store: store.NewInMemory()}
	ctx := context.Background()
	n := &recordingNotifier{}
	local, _ := NewLocal(NewRemote[string]("users", s), n)
	_ = local.Set(ctx, "1", "ada")

	// another process rewrites the remote value
	_ = local.Remote().Set(ctx, "1", "grace")
	if v, _, _ := local.Get(ctx, "1"); v != "ada" {
		t.Fatalf("expected stale local copy before invalidation, got %v", v)
	}
	if err := local.Invalidate(ctx, "1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if v, _, _ := local.Get(ctx, "1"); v != "grace" {
		t.Fatalf("expected fresh value after invalidation, got %v", v)
	}
	if n.count() != 1 {
		t.Fatalf("invalidate must not broadcast: %v", n.calls)
	}
}

func TestLocalMirrorOptions(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemory()

	bounded, _ := NewLocal(NewRemote[int]("bounded", s), nil, WithMaxEntries(1))
	_ = bounded.Set(ctx, "a", 1)
	_ = bounded.Set(ctx, "b", 2)
	if mem := bounded.mirror.(*MemoryCache[int]); mem.Len() != 1 {
		t.Fatalf("mirror not bounded: %d entries", mem.Len())
	}

	short, _ := NewLocal(NewRemote[int]("short", s), nil, WithMirrorTTL(10*time.Millisecond))
	_ = short.Set(ctx, "a", 1)
	_ = short.Remote().Set(ctx, "a", 2)
	time.Sleep(20 * time.Millisecond)
	if v, _, _ := short.Get(ctx, "a"); v != 2 {
		t.Fatalf("mirror ttl ignored, got %d", v)
	}

	rist, err := NewLocal(NewRemote[int]("rist", s), nil, WithRistretto())
	if err != nil {
		t.Fatalf("ristretto mirror: %v", err)
	}
	defer rist.Close()
	if _, ok := rist.mirror.(*RistrettoCache[int]); !ok {
		t.Fatalf("expected ristretto mirror, got %T", rist.mirror)
	}
	_ = rist.Set(ctx, "a", 5)
	if v, ok, _ := rist.Get(ctx, "a"); !ok || v != 5 {
		t.Fatalf("ristretto mirror get: %v ok=%v", v, ok)
	}
}

// hookMirror runs onSet once, just before the first mirror write.
type hookMirror[T any] struct {
	Cache[T]
	onSet func()
}

func (m *hookMirror[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if hook := m.onSet; hook != nil {
		m.onSet = nil
		hook()
	}
	return m.Cache.Set(ctx, key, value, ttl)
}

func TestInvalidationDuringMemoizeWins(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	remote := NewRemote[string]("profiles", s)
	_ = remote.Set(ctx, "1", "bob")
	local, _ := NewLocal(remote, nil)

	invalidated := make(chan struct{})
	local.mirror = &hookMirror[string]{Cache: local.mirror, onSet: func() {
		// a newer write lands and its notice arrives while "bob" is being
		// memoized
		_ = remote.Set(ctx, "1", "alice")
		go func() {
			_ = local.Invalidate(ctx, "1")
			close(invalidated)
		}()
		select {
		case <-invalidated:
		case <-time.After(20 * time.Millisecond):
		}
	}}

	if v, _, _ := local.Get(ctx, "1"); v != "bob" {
		t.Fatalf("expected the value read before the write, got %q", v)
	}
	<-invalidated
	if v, _, _ := local.Get(ctx, "1"); v != "alice" {
		t.Fatalf("stale value survived the invalidation: %q", v)
	}
}
