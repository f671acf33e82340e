// Package watchbus streams opaque messages, such as ticket snapshots of a
// lock, to any number of watchers.
package watchbus

import (
	"context"
	"sync"
)

// WatchBus delivers the messages published on a key to its watchers.
type WatchBus interface {
	// Publish sends data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to key. The channel receives message payloads until
	// ctx is done, then it is closed.
	Watch(ctx context.Context, key string) (<-chan []byte, error)
}

// InMemoryWatchBus is an in-process WatchBus. It remembers the last message
// of every key and hands it to new watchers first, so a watcher always
// starts from the current state. Slow watchers miss intermediate messages.
type InMemoryWatchBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
	last map[string][]byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs: make(map[string][]chan []byte),
		last: make(map[string][]byte),
	}
}

// Publish implements WatchBus.Publish.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[key] = data
	for _, ch := range b.subs[key] {
		// keep only the newest message in a full buffer
		select {
		case <-ch:
		default:
		}
		ch <- data
	}
	return nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	b.mu.Lock()
	if data, ok := b.last[key]; ok {
		ch <- data
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unwatch(key, ch)
	}()
	return ch, nil
}

func (b *InMemoryWatchBus) unwatch(key string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
		return
	}
	b.subs[key] = subs
}

// Watchers returns the number of active watchers of key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}
