package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dlerrors "github.com/mirkobrombin/go-dirlock/v1/errors"
	"github.com/mirkobrombin/go-dirlock/v1/metrics"
	"github.com/mirkobrombin/go-dirlock/v1/syncbus"
)

const notifyTimeout = time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-dirlock/v1/lock")

// State is the lifecycle position of a FileLocker.
type State int

const (
	// StateIdle means no ticket is held and Lock may be called.
	StateIdle State = iota
	// StateAttempting means Lock is polling for the lock.
	StateAttempting
	// StateAcquired means the lock is held until Unlock.
	StateAcquired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateAcquired:
		return "acquired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FileLocker is one handle on a directory lock. Each handle holds at most
// one ticket; concurrent contenders, in this process or another, need their
// own handle. A handle is not reentrant.
type FileLocker struct {
	id           string
	ns           Namespace
	fs           afero.Fs
	store        *TicketStore
	reaper       *Reaper
	clock        Clock
	timeout      time.Duration
	poll         time.Duration
	logger       *slog.Logger
	registry     *Registry
	traceEnabled bool
	nextID       func() int
	bus          syncbus.Bus

	mu     sync.Mutex
	state  State
	ticket int
	start  time.Time
	// set when the registry ends a pending attempt from outside
	withdrawn bool

	// reference clock reading, taken once per attempt
	refNow time.Time
	refSet bool
}

// NewFileLocker returns a handle on the lock for path. When path is a
// directory the tickets are named "locker.NNNNNN" inside it; otherwise they
// are named after the file and placed next to it. The containing directory
// must exist.
func NewFileLocker(path string, opts ...Option) (*FileLocker, error) {
	l := &FileLocker{
		id:       uuid.NewString(),
		fs:       afero.NewOsFs(),
		timeout:  DefaultTimeout,
		poll:     DefaultPollInterval,
		logger:   slog.Default(),
		registry: DefaultRegistry,
		nextID:   func() int { return rand.IntN(MaxTicketID) },
		ticket:   -1,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	ns, err := ResolveNamespace(l.fs, path)
	if err != nil {
		return nil, err
	}
	l.ns = ns
	l.store = NewTicketStore(l.fs, ns)
	l.reaper = NewReaper(l.store, l.timeout, l.logger)
	if l.clock == nil {
		l.clock = NewFSClock(l.fs, ns.Dir)
	}
	return l, nil
}

// Clone returns a fresh idle handle over the same namespace and settings.
func (l *FileLocker) Clone() *FileLocker {
	return &FileLocker{
		id:           uuid.NewString(),
		ns:           l.ns,
		fs:           l.fs,
		store:        l.store,
		reaper:       l.reaper,
		clock:        l.clock,
		timeout:      l.timeout,
		poll:         l.poll,
		logger:       l.logger,
		registry:     l.registry,
		traceEnabled: l.traceEnabled,
		nextID:       l.nextID,
		bus:          l.bus,
		ticket:       -1,
	}
}

// ID returns the unique identifier of the handle.
func (l *FileLocker) ID() string { return l.id }

// Namespace returns the namespace the handle contends for.
func (l *FileLocker) Namespace() Namespace { return l.ns }

// Timeout returns the configured timeout.
func (l *FileLocker) Timeout() time.Duration { return l.timeout }

// State returns the current state of the handle.
func (l *FileLocker) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Locked reports whether the handle holds the lock.
func (l *FileLocker) Locked() bool {
	return l.State() == StateAcquired
}

// TicketID returns the id of the handle's ticket, or -1 if it has none.
func (l *FileLocker) TicketID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticket
}

// Lock blocks until the lock is acquired, the timeout elapses or ctx is
// done. On failure any ticket created by the attempt has been removed.
func (l *FileLocker) Lock(ctx context.Context) (err error) {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return dlerrors.ErrAlreadyLocked
	}
	l.state = StateAttempting
	l.ticket = -1
	l.start = time.Now()
	l.refSet = false
	l.withdrawn = false
	if l.registry != nil {
		l.registry.Register(l)
	}
	l.mu.Unlock()

	if l.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "FileLocker.Lock", trace.WithAttributes(
			attribute.String("dirlock.namespace", l.ns.String()),
			attribute.String("dirlock.handle", l.id),
		))
		defer func() {
			span.SetAttributes(attribute.Int("dirlock.ticket", l.TicketID()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake := l.subscribe(wctx)
	if err := l.acquire(ctx, wake); err != nil {
		l.abort()
		if errors.Is(err, dlerrors.ErrTimeout) {
			metrics.TimeoutCounter.Inc()
		}
		return err
	}

	l.mu.Lock()
	if l.withdrawn {
		l.mu.Unlock()
		l.abort()
		return fmt.Errorf("%w: attempt withdrawn on %s", dlerrors.ErrTicketLost, l.ns)
	}
	l.state = StateAcquired
	waited := time.Since(l.start)
	ticket := l.ticket
	l.mu.Unlock()

	metrics.AcquireCounter.Inc()
	metrics.HeldGauge.Inc()
	metrics.WaitHistogram.Observe(waited.Seconds())
	l.logger.Debug("dirlock: acquired", "namespace", l.ns.String(), "ticket", ticket, "handle", l.id, "waited", waited)
	return nil
}

// subscribe returns the release notifications of the namespace for the
// duration of the current Lock call, or nil without a bus.
func (l *FileLocker) subscribe(ctx context.Context) <-chan struct{} {
	if l.bus == nil {
		return nil
	}
	wake, err := l.bus.Subscribe(ctx, l.ns.Key())
	if err != nil {
		l.logger.Warn("dirlock: release notifications unavailable, polling only", "namespace", l.ns.String(), "error", err)
		return nil
	}
	return wake
}

func (l *FileLocker) acquire(ctx context.Context, wake <-chan struct{}) error {
	for {
		tickets, err := l.tickets(ctx)
		if err != nil {
			return err
		}
		if len(tickets) > 0 {
			if err := l.sleep(ctx, wake); err != nil {
				return err
			}
			continue
		}

		id, err := l.createTicket()
		if err != nil {
			return err
		}
		for {
			if err := l.sleep(ctx, wake); err != nil {
				return err
			}
			tickets, err := l.tickets(ctx)
			if err != nil {
				return err
			}
			if !containsTicket(tickets, id) {
				return fmt.Errorf("%w: %s", dlerrors.ErrTicketLost, l.store.Path(id))
			}
			if tickets[0].ID == id {
				return nil
			}
		}
	}
}

// createTicket draws ids until one is free and creates it. Two handles may
// still pick the same free id at the same instant; the exclusive create
// makes the loser fail rather than share the ticket.
func (l *FileLocker) createTicket() (int, error) {
	id := l.nextID()
	for l.store.Exists(id) {
		id = l.nextID()
	}
	if err := l.store.Create(id); err != nil {
		return -1, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.withdrawn {
		if err := l.store.Remove(id); err != nil {
			l.logger.Warn("dirlock: cannot remove ticket", "ticket", l.store.Path(id), "error", err)
		}
		return -1, fmt.Errorf("%w: %s", dlerrors.ErrTicketLost, l.store.Path(id))
	}
	l.ticket = id
	return id, nil
}

// tickets lists the namespace and reaps stale entries on the way. The
// handle's own ticket is never reaped by itself.
func (l *FileLocker) tickets(ctx context.Context) ([]Ticket, error) {
	now, err := l.referenceNow(ctx)
	if err != nil {
		return nil, err
	}
	list, err := l.store.List()
	if err != nil {
		return nil, err
	}
	return l.reaper.Reap(now, list, l.TicketID()), nil
}

// referenceNow returns the reference clock reading of the current attempt,
// taking it on first use. The reading is not refreshed while waiting, so
// ticket ages are underestimated during long waits.
func (l *FileLocker) referenceNow(ctx context.Context) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.refSet {
		now, err := l.clock.Now(ctx)
		if err != nil {
			return time.Time{}, err
		}
		l.refNow, l.refSet = now, true
	}
	return l.refNow, nil
}

// sleep waits one poll interval, or less when a release is announced on
// wake, and then checks the deadline.
func (l *FileLocker) sleep(ctx context.Context, wake <-chan struct{}) error {
	timer := time.NewTimer(l.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case _, ok := <-wake:
		if !ok {
			// bus closed: fall back to the poll interval
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	l.mu.Lock()
	withdrawn := l.withdrawn
	l.mu.Unlock()
	if withdrawn {
		return fmt.Errorf("%w: attempt withdrawn on %s", dlerrors.ErrTicketLost, l.ns)
	}
	if time.Since(l.start) > l.timeout {
		return fmt.Errorf("%w after %s waiting for %s", dlerrors.ErrTimeout, l.timeout, l.ns)
	}
	return nil
}

// abort ends a failed attempt, removing the ticket it created.
func (l *FileLocker) abort() {
	l.mu.Lock()
	removed := false
	if l.ticket >= 0 {
		if err := l.store.Remove(l.ticket); err != nil {
			l.logger.Warn("dirlock: cannot remove ticket", "ticket", l.store.Path(l.ticket), "error", err)
		} else {
			removed = true
		}
	}
	l.ticket = -1
	l.state = StateIdle
	if l.registry != nil {
		l.registry.Unregister(l)
	}
	l.mu.Unlock()

	if removed {
		l.notify()
	}
}

// withdraw ends a pending attempt from another goroutine. The ticket is
// removed and the waiting Lock returns ErrTicketLost. It reports false when
// the handle was not attempting.
func (l *FileLocker) withdraw() bool {
	l.mu.Lock()
	if l.state != StateAttempting {
		l.mu.Unlock()
		return false
	}
	l.withdrawn = true
	removed := false
	if l.ticket >= 0 {
		if err := l.store.Remove(l.ticket); err != nil {
			l.logger.Warn("dirlock: cannot remove ticket", "ticket", l.store.Path(l.ticket), "error", err)
		} else {
			removed = true
		}
	}
	l.ticket = -1
	l.mu.Unlock()

	if removed {
		l.notify()
	}
	return true
}

// notify announces a removed ticket to the waiters of the namespace.
func (l *FileLocker) notify() {
	if l.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := l.bus.Publish(ctx, l.ns.Key()); err != nil {
		l.logger.Warn("dirlock: cannot publish release", "namespace", l.ns.String(), "error", err)
	}
}

// Unlock releases the lock and deletes the handle's ticket.
func (l *FileLocker) Unlock() error {
	l.mu.Lock()
	if l.state != StateAcquired {
		l.mu.Unlock()
		return dlerrors.ErrNotLocked
	}
	if l.registry != nil {
		l.registry.Unregister(l)
	}
	ticket := l.ticket
	err := l.store.Remove(ticket)
	l.ticket = -1
	l.state = StateIdle
	l.mu.Unlock()

	metrics.ReleaseCounter.Inc()
	metrics.HeldGauge.Dec()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.store.Path(ticket), err)
	}
	l.logger.Debug("dirlock: released", "namespace", l.ns.String(), "ticket", ticket, "handle", l.id)
	l.notify()
	return nil
}

func containsTicket(tickets []Ticket, id int) bool {
	for _, t := range tickets {
		if t.ID == id {
			return true
		}
	}
	return false
}
