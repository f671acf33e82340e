package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-dirlock/v1/metrics"
)

// Reaper removes tickets abandoned by processes that died without
// releasing. A ticket is stale once its age by the reference clock exceeds
// the timeout.
type Reaper struct {
	store   *TicketStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewReaper returns a Reaper for the tickets of store.
func NewReaper(store *TicketStore, timeout time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: store, timeout: timeout, logger: logger}
}

// Stale reports whether t is older than the timeout at now.
func (r *Reaper) Stale(now time.Time, t Ticket) bool {
	return now.Sub(t.ModTime) > r.timeout
}

// Reap deletes the stale tickets and returns the ones left. The ticket with
// id keep is never deleted; pass -1 to consider every ticket. Another
// process reaping the same ticket first is expected and ignored; any other
// deletion failure keeps the ticket in the result.
func (r *Reaper) Reap(now time.Time, tickets []Ticket, keep int) []Ticket {
	live := make([]Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.ID == keep || !r.Stale(now, t) {
			live = append(live, t)
			continue
		}
		if err := r.store.remove(t.Path); err != nil {
			r.logger.Warn("dirlock: cannot remove stale ticket", "ticket", t.Path, "error", err)
			live = append(live, t)
			continue
		}
		metrics.ReapCounter.Inc()
		r.logger.Debug("dirlock: removed stale ticket", "ticket", t.Path, "age", now.Sub(t.ModTime))
	}
	return live
}
