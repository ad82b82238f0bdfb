package cache

import (
	"context"
	"time"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/store"
)

// RemoteCache is a named hash in the shared store. Every call goes to the
// store; nothing is kept in process.
type RemoteCache[T any] struct {
	name  string
	store store.Store
	codec Codec
}

// RemoteOption configures a RemoteCache.
type RemoteOption func(*remoteConfig)

type remoteConfig struct {
	codec Codec
}

// WithCodec sets the value codec. JSONCodec is the default.
func WithCodec(c Codec) RemoteOption {
	return func(cfg *remoteConfig) {
		if c != nil {
			cfg.codec = c
		}
	}
}

// NewRemote returns the remote cache stored under name.
func NewRemote[T any](name string, s store.Store, opts ...RemoteOption) *RemoteCache[T] {
	cfg := remoteConfig{codec: JSONCodec{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RemoteCache[T]{name: name, store: s, codec: cfg.codec}
}

// Name returns the hash key of the cache.
func (r *RemoteCache[T]) Name() string { return r.name }

func (r *RemoteCache[T]) wrap(op, field string, err error) error {
	return &tethererrors.CacheError{Name: r.name, Op: op, Field: field, Err: err}
}

// Set stores value under field.
func (r *RemoteCache[T]) Set(ctx context.Context, field string, value T) error {
	data, err := r.encode(field, value)
	if err != nil {
		return err
	}
	if err := r.store.HSet(ctx, r.name, field, data); err != nil {
		return r.wrap("set", field, err)
	}
	return nil
}

// Get returns the value under field and whether it exists.
func (r *RemoteCache[T]) Get(ctx context.Context, field string) (T, bool, error) {
	var zero T
	data, ok, err := r.store.HGet(ctx, r.name, field)
	if err != nil {
		return zero, false, r.wrap("get", field, err)
	}
	if !ok {
		return zero, false, nil
	}
	v, err := r.decode(field, data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Del removes field. Removing a missing field is not an error.
func (r *RemoteCache[T]) Del(ctx context.Context, field string) error {
	if err := r.store.HDel(ctx, r.name, field); err != nil {
		return r.wrap("del", field, err)
	}
	return nil
}

// Clear removes the whole hash.
func (r *RemoteCache[T]) Clear(ctx context.Context) error {
	if err := r.store.Del(ctx, r.name); err != nil {
		return r.wrap("clear", "", err)
	}
	return nil
}

// ExpireAt makes the whole hash expire at t. It reports false when the hash
// does not exist.
func (r *RemoteCache[T]) ExpireAt(ctx context.Context, t time.Time) (bool, error) {
	ok, err := r.store.ExpireAt(ctx, r.name, t)
	if err != nil {
		return false, r.wrap("expire", "", err)
	}
	return ok, nil
}
