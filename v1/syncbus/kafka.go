package syncbus

import (
	"context"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Every key is a topic with
// a single partition; subscribers start from the newest offset.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	closers  []func() error
	hub      *hub

	mu     sync.Mutex
	subs   map[string]sarama.PartitionConsumer
	closed bool
}

// NewKafkaBus connects to brokers and returns a bus owning the connection.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
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
	b := NewKafkaBusFrom(producer, consumer)
	b.closers = append(b.closers, client.Close)
	return b, nil
}

// NewKafkaBusFrom builds a bus over an existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		hub:      newHub(),
		subs:     make(map[string]sarama.PartitionConsumer),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch, first := b.hub.add(key)
	if first {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			b.hub.remove(key, ch)
			return nil, fmt.Errorf("subscribe %s: %w", key, err)
		}
		b.subs[key] = pc
		go b.dispatch(pc, key)
	}
	watch(ctx, func() { b.unsubscribe(key, ch) })
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer, key string) {
	for range pc.Messages() {
		b.hub.notify(key)
	}
}

func (b *KafkaBus) unsubscribe(key string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hub.remove(key, ch) {
		if pc := b.subs[key]; pc != nil {
			pc.AsyncClose()
			delete(b.subs, key)
		}
	}
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.hub.metrics()
}

// Close releases the producer, the consumer and any owned client, and
// closes the subscriber channels. Later calls to Subscribe fail with
// ErrBusClosed.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for key, pc := range b.subs {
		pc.AsyncClose()
		delete(b.subs, key)
	}
	b.hub.clear()
	b.mu.Unlock()
	var first error
	for _, c := range append([]func() error{b.producer.Close, b.consumer.Close}, b.closers...) {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
