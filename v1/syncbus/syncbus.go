// Package syncbus carries release notifications between processes that
// share a lock. A notification is only a hint that a ticket was removed:
// waiters use it to rescan early and never to decide ownership.
package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Bus publishes and delivers release notifications for a key.
type Bus interface {
	// Publish notifies every subscriber of key.
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel that receives a value for every
	// notification on key. Notifications are coalesced while the channel is
	// full. The channel is closed once ctx is done.
	Subscribe(ctx context.Context, key string) (<-chan struct{}, error)
}

// ErrBusClosed is returned by Subscribe once the bus has been closed.
var ErrBusClosed = errors.New("syncbus: bus closed")

// Metrics reports the number of published and delivered notifications.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// hub fans notifications out to the local subscribers of each key.
type hub struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[string][]chan struct{})}
}

// add registers a new subscriber and reports whether it is the first one
// for key.
func (h *hub) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	first := len(h.subs[key]) == 0
	h.subs[key] = append(h.subs[key], ch)
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (h *hub) remove(key string, ch chan struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, key)
		return true
	}
	h.subs[key] = subs
	return false
}

// clear closes every subscriber channel and forgets all keys.
func (h *hub) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, key)
	}
}

func (h *hub) notify(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[key] {
		select {
		case ch <- struct{}{}:
			h.delivered.Add(1)
		default:
		}
	}
}

// watch calls stop once ctx is done.
func watch(ctx context.Context, stop func()) {
	go func() {
		<-ctx.Done()
		stop()
	}()
}

func (h *hub) metrics() Metrics {
	return Metrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
	}
}

// InMemoryBus delivers notifications inside one process.
type InMemoryBus struct {
	hub *hub
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{hub: newHub()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.published.Add(1)
	b.hub.notify(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	ch, _ := b.hub.add(key)
	watch(ctx, func() { b.hub.remove(key, ch) })
	return ch, nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.hub.metrics()
}
