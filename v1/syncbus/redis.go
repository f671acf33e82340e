package syncbus

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub. Every key is a channel.
type RedisBus struct {
	client redis.UniversalClient
	hub    *hub

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		hub:    newHub(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, key, "1").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once the server has
// confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch, first := b.hub.add(key)
	if first {
		ps := b.client.Subscribe(ctx, key)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.hub.remove(key, ch)
			return nil, fmt.Errorf("subscribe %s: %w", key, err)
		}
		b.subs[key] = ps
		go b.dispatch(ps, key)
	}
	watch(ctx, func() { b.unsubscribe(key, ch) })
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub, key string) {
	for range ps.Channel() {
		b.hub.notify(key)
	}
}

func (b *RedisBus) unsubscribe(key string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hub.remove(key, ch) {
		if ps := b.subs[key]; ps != nil {
			_ = ps.Close()
			delete(b.subs, key)
		}
	}
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.hub.metrics()
}

// Close drops every subscription and closes the subscriber channels.
// Later calls to Subscribe fail with ErrBusClosed.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.hub.clear()
	return nil
}
