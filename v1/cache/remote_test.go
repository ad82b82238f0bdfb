package cache

import (
	"context"
	stdErrors "errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/store"
)

type profile struct {
	Name string
	Age  int
}

func newRedisStore(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	if addr := os.Getenv("TETHER_TEST_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		return store.NewRedis(client), nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedis(client), mr
}

func stores(t *testing.T) map[string]store.Store {
	rs, _ := newRedisStore(t)
	return map[string]store.Store{
		"memory": store.NewInMemory(),
		"redis":  rs,
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, cd := range []Codec{JSONCodec{}, GobCodec{}} {
				r := NewRemote[profile]("profiles-"+name, s, WithCodec(cd))
				t.Cleanup(func() { _ = r.Clear(context.Background()) })

				if _, ok, err := r.Get(ctx, "ada"); err != nil || ok {
					t.Fatalf("expected miss, ok=%v err=%v", ok, err)
				}
				want := profile{Name: "Ada", Age: 36}
				if err := r.Set(ctx, "ada", want); err != nil {
					t.Fatalf("set: %v", err)
				}
				got, ok, err := r.Get(ctx, "ada")
				if err != nil || !ok || got != want {
					t.Fatalf("get: got %+v ok=%v err=%v", got, ok, err)
				}
				if err := r.Del(ctx, "ada"); err != nil {
					t.Fatalf("del: %v", err)
				}
				if err := r.Del(ctx, "ada"); err != nil {
					t.Fatalf("del of missing field: %v", err)
				}
				if _, ok, _ := r.Get(ctx, "ada"); ok {
					t.Fatal("field still present after del")
				}
			}
		})
	}
}

func TestRemoteClear(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRemote[int]("counters-"+name, s)
			_ = r.Set(ctx, "a", 1)
			_ = r.Set(ctx, "b", 2)
			if err := r.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			for _, f := range []string{"a", "b"} {
				if _, ok, _ := r.Get(ctx, f); ok {
					t.Fatalf("field %s survived clear", f)
				}
			}
		})
	}
}

func TestRemoteExpireAt(t *testing.T) {
	s, mr := newRedisStore(t)
	if mr == nil {
		t.Skip("expiry is driven through miniredis")
	}
	ctx := context.Background()
	r := NewRemote[int]("session", s)
	if ok, err := r.ExpireAt(ctx, time.Now().Add(time.Minute)); err != nil || ok {
		t.Fatalf("expire of missing hash: ok=%v err=%v", ok, err)
	}
	_ = r.Set(ctx, "user", 7)
	if ok, err := r.ExpireAt(ctx, time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := r.Get(ctx, "user"); ok {
		t.Fatal("hash did not expire")
	}
}

func TestRemoteErrorsAreCacheErrors(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	_ = s.HSet(ctx, "broken", "f", []byte("not json"))
	r := NewRemote[profile]("broken", s)
	_, _, err := r.Get(ctx, "f")
	var cerr *tethererrors.CacheError
	if !stdErrors.As(err, &cerr) || cerr.Op != "decode" || cerr.Field != "f" {
		t.Fatalf("expected decode CacheError, got %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	_ = client.Close()
	mr.Close()
	down := NewRemote[int]("down", store.NewRedis(client))
	err = down.Set(ctx, "f", 1)
	if !stdErrors.As(err, &cerr) || cerr.Op != "set" {
		t.Fatalf("expected set CacheError, got %v", err)
	}
	if !stdErrors.Is(err, tethererrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed in chain, got %v", err)
	}
}

func TestStringCodecSharesPlainHashes(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	// written by a tool that knows nothing about the cache codecs
	_ = s.HSet(ctx, "greetings", "en", []byte("hello"))

	r := NewRemote[string]("greetings", s, WithCodec(StringCodec{}))
	if v, ok, err := r.Get(ctx, "en"); err != nil || !ok || v != "hello" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if err := r.Set(ctx, "it", "ciao"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if raw, _, _ := s.HGet(ctx, "greetings", "it"); string(raw) != "ciao" {
		t.Fatalf("expected raw payload, got %q", raw)
	}

	ints := NewRemote[int]("greetings", s, WithCodec(StringCodec{}))
	err := ints.Set(ctx, "n", 1)
	var cerr *tethererrors.CacheError
	if !stdErrors.As(err, &cerr) || cerr.Op != "encode" || !stdErrors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected encode CacheError with ErrUnsupportedValue, got %v", err)
	}
}

func TestCodecMismatchIsDecodeError(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	writer := NewRemote[profile]("profiles", s, WithCodec(GobCodec{}))
	if err := writer.Set(ctx, "ada", profile{Name: "Ada"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	reader := NewRemote[profile]("profiles", s)
	_, ok, err := reader.Get(ctx, "ada")
	var cerr *tethererrors.CacheError
	if ok || !stdErrors.As(err, &cerr) || cerr.Op != "decode" || cerr.Field != "ada" {
		t.Fatalf("expected decode CacheError, got ok=%v err=%v", ok, err)
	}
}
