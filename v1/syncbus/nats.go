package syncbus

import (
	"context"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Every key is a subject.
type NATSBus struct {
	conn *nats.Conn
	hub  *hub

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		hub:  newHub(),
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(key, []byte("1")); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once the server has
// processed the subscription.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.hub.add(key)
	if first {
		sub, err := b.conn.Subscribe(key, func(*nats.Msg) {
			b.hub.notify(key)
		})
		if err == nil {
			err = b.conn.FlushWithContext(ctx)
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.hub.remove(key, ch)
			return nil, fmt.Errorf("subscribe %s: %w", key, err)
		}
		b.subs[key] = sub
	}
	watch(ctx, func() { b.unsubscribe(key, ch) })
	return ch, nil
}

func (b *NATSBus) unsubscribe(key string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hub.remove(key, ch) {
		if sub := b.subs[key]; sub != nil {
			_ = sub.Unsubscribe()
			delete(b.subs, key)
		}
	}
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.hub.metrics()
}
