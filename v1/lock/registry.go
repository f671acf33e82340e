package lock

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

// Registry records the handles of a process that hold or wait for a lock so
// they can be released when the process terminates.
type Registry struct {
	mu   sync.Mutex
	held map[string]*FileLocker
}

// DefaultRegistry is the process-wide registry used by handles unless
// WithRegistry says otherwise.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]*FileLocker)}
}

// Register records l. Handles register when an attempt starts.
func (r *Registry) Register(l *FileLocker) {
	r.mu.Lock()
	r.held[l.id] = l
	r.mu.Unlock()
}

// Unregister forgets l. Unknown handles are ignored.
func (r *Registry) Unregister(l *FileLocker) {
	r.mu.Lock()
	delete(r.held, l.id)
	r.mu.Unlock()
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// Held returns the registered handles ordered by id.
func (r *Registry) Held() []*FileLocker {
	r.mu.Lock()
	held := make([]*FileLocker, 0, len(r.held))
	for _, l := range r.held {
		held = append(held, l)
	}
	r.mu.Unlock()
	sort.Slice(held, func(i, j int) bool { return held[i].id < held[j].id })
	return held
}

// ReleaseAll force-releases every registered handle and returns how many
// were released. Waiting handles are withdrawn: their ticket is removed and
// their Lock call returns ErrTicketLost. Errors and panics are swallowed: it runs while the process
// is shutting down.
func (r *Registry) ReleaseAll() int {
	released := 0
	for _, l := range r.Held() {
		if releaseQuietly(l) {
			released++
		}
		r.Unregister(l)
	}
	return released
}

func releaseQuietly(l *FileLocker) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if l.withdraw() {
		return true
	}
	return l.Unlock() == nil
}

// ReleaseAll releases every handle in DefaultRegistry. Programs defer it in
// main so that an ordinary exit leaves no ticket behind.
func ReleaseAll() int {
	return DefaultRegistry.ReleaseAll()
}

// SweepOnSignal releases the handles of r when one of sigs is received
// (SIGINT and SIGTERM by default) and then calls exit with 128 plus the
// signal number, when exit is not nil. The returned function uninstalls the
// hook; cancelling ctx does the same.
func SweepOnSignal(ctx context.Context, r *Registry, exit func(code int), sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			r.ReleaseAll()
			if exit != nil {
				code := 1
				if s, ok := sig.(syscall.Signal); ok {
					code = 128 + int(s)
				}
				exit(code)
			}
		case <-ctx.Done():
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
