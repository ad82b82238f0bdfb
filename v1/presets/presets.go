// Package presets builds ready-to-use nodes for common deployments.
package presets

import (
	"context"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-tether/v1/codec"
	"github.com/mirkobrombin/go-tether/v1/core"
	"github.com/mirkobrombin/go-tether/v1/store"
	"github.com/mirkobrombin/go-tether/v1/transport"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewRedis creates a node that uses Redis both as the store and, through
// pub/sub, as the transport. The Redis client is closed with the node.
func NewRedis(ctx context.Context, opts RedisOptions, cd codec.Codec, nodeOpts ...core.Option) (*core.Node, error) {
	client := opts.client()
	nodeOpts = append(nodeOpts, core.WithCloser(client.Close))
	n, err := core.New(ctx, transport.NewRedis(client), store.NewRedis(client), cd, nodeOpts...)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NewRedisNATS creates a node that keeps its state in Redis and exchanges
// messages over NATS at natsURL.
func NewRedisNATS(ctx context.Context, opts RedisOptions, natsURL string, cd codec.Codec, nodeOpts ...core.Option) (*core.Node, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	client := opts.client()
	nodeOpts = append(nodeOpts,
		core.WithCloser(func() error {
			conn.Close()
			return nil
		}),
		core.WithCloser(client.Close),
	)
	n, err := core.New(ctx, transport.NewNATS(conn), store.NewRedis(client), cd, nodeOpts...)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NewInMemory creates a standalone node with no external dependencies.
// Useful for local development and tests.
func NewInMemory(ctx context.Context, cd codec.Codec, nodeOpts ...core.Option) (*core.Node, error) {
	return core.New(ctx, transport.NewInMemory(), store.NewInMemory(), cd, nodeOpts...)
}

// NewInMemoryCluster creates nodes that share one in-memory transport hub
// and one store, as if they were separate processes.
func NewInMemoryCluster(ctx context.Context, cd codec.Codec, size int, nodeOpts ...core.Option) ([]*core.Node, error) {
	hub := transport.NewInMemory()
	s := store.NewInMemory()
	nodes := make([]*core.Node, 0, size)
	for i := 0; i < size; i++ {
		t := hub
		if i > 0 {
			t = hub.Peer()
		}
		n, err := core.New(ctx, t, s, cd, nodeOpts...)
		if err != nil {
			for _, prev := range nodes {
				_ = prev.Close()
			}
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
