package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc   sarama.PartitionConsumer
	done chan struct{}
}

// Kafka implements Transport on Kafka topics. Each topic is consumed from
// partition 0 starting at the newest offset, so payloads published before
// Subscribe are not delivered.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client

	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafka connects to brokers and returns a Transport.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		producer: producer,
		consumer: consumer,
		client:   client,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Transport.Publish.
func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(payload)}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return err
	}
	k.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe.
func (k *Kafka) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if _, ok := k.subs[topic]; ok {
		return ErrAlreadySubscribed
	}
	pc, err := k.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return err
	}
	sub := &kafkaSubscription{pc: pc, done: make(chan struct{})}
	k.subs[topic] = sub

	go func() {
		for msg := range pc.Messages() {
			k.delivered.Add(1)
			h(ctx, topic, msg.Value)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = k.remove(topic, sub)
		case <-sub.done:
		}
	}()
	return nil
}

func (k *Kafka) remove(topic string, sub *kafkaSubscription) error {
	k.mu.Lock()
	if k.subs[topic] != sub {
		k.mu.Unlock()
		return nil
	}
	delete(k.subs, topic)
	k.mu.Unlock()
	close(sub.done)
	return sub.pc.Close()
}

// Unsubscribe implements Transport.Unsubscribe.
func (k *Kafka) Unsubscribe(ctx context.Context, topic string) error {
	k.mu.Lock()
	sub := k.subs[topic]
	k.mu.Unlock()
	if sub == nil {
		return nil
	}
	return k.remove(topic, sub)
}

// Close stops every consumer and releases the Kafka client.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
		_ = sub.pc.Close()
	}
	_ = k.producer.Close()
	_ = k.consumer.Close()
	return k.client.Close()
}

// Metrics implements Transport.Metrics.
func (k *Kafka) Metrics() Metrics {
	return Metrics{
		Published: k.published.Load(),
		Delivered: k.delivered.Load(),
	}
}
