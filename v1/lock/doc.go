// Package lock implements a mutual-exclusion lock coordinated only through
// a shared directory. Independent processes, possibly on different hosts
// mounting the same storage, serialize access to a resource without a
// server, shared memory or OS advisory locks.
//
// Each contender creates a ticket file named "<base>.NNNNNN" with a random
// six-digit id, but only when it sees no ticket at all. It then polls the
// directory; the holder of the lowest id owns the lock. Tickets older than
// the timeout, measured by a reference clock read from the storage medium
// rather than the local host, are removed by whoever scans next, so a
// crashed process cannot block the namespace forever.
//
// Holding and waiting handles are kept in a Registry; ReleaseAll and
// SweepOnSignal remove their tickets when the process exits. The lock is not fair: ids
// are random and the lowest wins.
//
// With WithBus, a release is also announced on a message bus (see package
// syncbus) so that waiters rescan at once instead of sleeping out the poll
// interval. The tickets remain the only source of truth.
//
//	l, err := lock.NewFileLocker("/shared/results/user1.npz", lock.WithTimeout(20*time.Second))
//	if err != nil {
//		return err
//	}
//	err = l.Do(ctx, func(ctx context.Context) error {
//		return readMatrix("/shared/results/user1.npz")
//	})
package lock
