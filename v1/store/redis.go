package store

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[3]) > 0 then
        redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
else
    return 0
end
`)

var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *Redis) {
		s.timeout = d
	}
}

// NewRedis returns a Store using client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying client.
func (s *Redis) Client() redis.UniversalClient { return s.client }

func mapErr(err error) error {
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

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func (s *Redis) HSet(ctx context.Context, key, field string, value []byte) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.HSet(cctx, key, field, value).Err())
}

func (s *Redis) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	data, err := s.client.HGet(cctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return data, true, nil
}

func (s *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.HDel(cctx, key, fields...).Err())
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Set(cctx, key, value, ttl).Err())
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return data, true, nil
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Del(cctx, keys...).Err())
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (s *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

func (s *Redis) ExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.PExpireAt(cctx, key, at).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

func (s *Redis) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	v, err := s.client.IncrBy(cctx, key, n).Result()
	return v, mapErr(err)
}

func (s *Redis) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	v, err := s.client.DecrBy(cctx, key, n).Result()
	return v, mapErr(err)
}

func (s *Redis) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := casScript.Run(cctx, s.client, []string{key}, old, next, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

func (s *Redis) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := cadScript.Run(cctx, s.client, []string{key}, old).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}
