// Package errors holds the sentinel errors shared by the dirlock packages.
// Callers match them with the standard errors.Is.
package errors

import "errors"

var (
	// ErrTimeout is returned by Lock when the configured timeout elapses
	// before the lock is acquired. The handle has already removed its ticket.
	ErrTimeout = errors.New("dirlock: timeout")
	// ErrAlreadyLocked is returned when Lock is called on a handle that is
	// attempting or holding the lock. Handles are not reentrant.
	ErrAlreadyLocked = errors.New("dirlock: locker already locked")
	// ErrNotLocked is returned by Unlock on a handle that does not hold the lock.
	ErrNotLocked = errors.New("dirlock: locker not locked")
	// ErrNoDirectory is returned when the lock target is not contained in an
	// existing directory.
	ErrNoDirectory = errors.New("dirlock: path is not contained in an existing directory")
	// ErrTicketLost is returned when a waiting handle finds its own ticket
	// was removed by another process.
	ErrTicketLost = errors.New("dirlock: ticket removed while waiting")
)
