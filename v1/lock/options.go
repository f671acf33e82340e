package lock

import (
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/mirkobrombin/go-dirlock/v1/syncbus"
)

const (
	// DefaultTimeout bounds both the wait for the lock and the age after
	// which another process's ticket is considered abandoned.
	DefaultTimeout = 20 * time.Second
	// DefaultPollInterval is the sleep between two ticket scans.
	DefaultPollInterval = 500 * time.Millisecond
)

// Option configures a FileLocker.
type Option func(*FileLocker)

// WithTimeout sets the acquisition timeout, which is also the age after
// which tickets are reaped. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(l *FileLocker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithPollInterval sets the sleep between ticket scans.
func WithPollInterval(d time.Duration) Option {
	return func(l *FileLocker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithClock replaces the reference clock. By default the modification time
// of a temporary file in the lock directory is used.
func WithClock(c Clock) Option {
	return func(l *FileLocker) {
		l.clock = c
	}
}

// WithFs sets the filesystem holding the tickets. Defaults to the OS
// filesystem.
func WithFs(fs afero.Fs) Option {
	return func(l *FileLocker) {
		l.fs = fs
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *FileLocker) {
		l.logger = logger
	}
}

// WithRegistry sets the registry handles are recorded in while they wait or
// hold so that they can be swept on termination. A nil registry disables bookkeeping.
func WithRegistry(r *Registry) Option {
	return func(l *FileLocker) {
		l.registry = r
	}
}

// WithTracing enables OpenTelemetry spans around Lock.
func WithTracing() Option {
	return func(l *FileLocker) {
		l.traceEnabled = true
	}
}

// WithTicketIDs replaces the source of ticket ids. The function must return
// values in [0, MaxTicketID).
func WithTicketIDs(next func() int) Option {
	return func(l *FileLocker) {
		l.nextID = next
	}
}

// WithBus publishes a notification on every release and lets waiting
// handles rescan as soon as one arrives instead of sleeping out the poll
// interval. Ownership is still decided by the tickets alone.
func WithBus(bus syncbus.Bus) Option {
	return func(l *FileLocker) {
		l.bus = bus
	}
}
