package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tether/v1/codec"
	"github.com/mirkobrombin/go-tether/v1/core"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/packet"
	"github.com/mirkobrombin/go-tether/v1/presets"
	"github.com/mirkobrombin/go-tether/v1/registry"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 10000, "Operations")
	mode        = flag.String("mode", "all", "Mode: request, lock, cache")
	target      = flag.String("target", "memory", "Target: memory, redis, redis-nats")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	natsURL     = flag.String("nats-url", "nats://localhost:4222", "NATS URL")
)

type echo struct {
	packet.Header
	Seq int
}

func newCodec() codec.Codec {
	return codec.NewJSON().MustRegister("echo", &echo{})
}

func newPair(ctx context.Context) (*core.Node, *core.Node, error) {
	cd := newCodec()
	open := func(id string) (*core.Node, error) {
		switch *target {
		case "redis":
			return presets.NewRedis(ctx, presets.RedisOptions{Addr: *redisAddr}, cd, core.WithIdentity(id))
		case "redis-nats":
			return presets.NewRedisNATS(ctx, presets.RedisOptions{Addr: *redisAddr}, *natsURL, cd, core.WithIdentity(id))
		}
		return nil, fmt.Errorf("unknown target %q", *target)
	}
	if *target == "memory" {
		nodes, err := presets.NewInMemoryCluster(ctx, cd, 2)
		if err != nil {
			return nil, nil, err
		}
		return nodes[0], nodes[1], nil
	}
	a, err := open("bench-server")
	if err != nil {
		return nil, nil, err
	}
	b, err := open("bench-client")
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func main() {
	flag.Parse()
	ctx := context.Background()

	server, client, err := newPair(ctx)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer server.Close()
	defer client.Close()

	modes := strings.Split(*mode, ",")
	if *mode == "all" {
		modes = []string{"request", "lock", "cache"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-8s |\n", "Mode", "Ops/sec", "Avg Latency", "P99 Latency", "Errors")
	fmt.Println("|:---|:---|:---|:---|:---|")
	for _, m := range modes {
		op, err := setup(ctx, strings.TrimSpace(m), server, client)
		if err != nil {
			log.Printf("%s: %v", m, err)
			continue
		}
		run(ctx, m, op)
	}
}

func setup(ctx context.Context, m string, server, client *core.Node) (func(ctx context.Context, i int) error, error) {
	switch m {
	case "request":
		err := server.Observe(ctx, "bench", registry.Handlers{
			registry.On(func(ctx context.Context, e *echo) (packet.Message, error) {
				return &echo{Seq: e.Seq}, nil
			}),
		})
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) error {
			_, err := client.Request(ctx, "bench", &echo{Seq: i})
			return err
		}, nil

	case "lock":
		opts := []lock.Option{lock.WithTries(1000), lock.WithBaseDelay(time.Millisecond), lock.WithMaxDelay(20 * time.Millisecond)}
		return func(ctx context.Context, i int) error {
			n := server
			if i%2 == 1 {
				n = client
			}
			return n.Lock("bench", opts...).Execute(ctx, func(ctx context.Context) error { return nil })
		}, nil

	case "cache":
		writer, err := core.Local[int](server, "bench")
		if err != nil {
			return nil, err
		}
		reader, err := core.Local[int](client, "bench")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, i int) error {
			field := fmt.Sprintf("k%d", i%64)
			if i%10 == 0 {
				return writer.Set(ctx, field, i)
			}
			_, _, err := reader.Get(ctx, field)
			return err
		}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", m)
}

func run(ctx context.Context, name string, op func(ctx context.Context, i int) error) {
	var (
		failures atomic.Int64
		mu       sync.Mutex
	)
	latencies := make([]time.Duration, 0, *requests)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	start := time.Now()
	for i := 0; i < *requests; i++ {
		g.Go(func() error {
			begin := time.Now()
			if err := op(gctx, i); err != nil {
				failures.Add(1)
				return nil
			}
			d := time.Since(begin)
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	if len(latencies) == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-8d |\n", name, "ERROR", "-", "-", failures.Load())
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	p99 := latencies[min(len(latencies)-1, len(latencies)*99/100)]
	throughput := float64(len(latencies)) / elapsed.Seconds()
	avg := total / time.Duration(len(latencies))
	fmt.Printf("| %-10s | %-10.0f | %-12s | %-12s | %-8d |\n", name, throughput, avg, p99, failures.Load())
}
