// Package lock provides the cross-process mutual exclusion a tick runs
// under. It wraps a single exclusive advisory lock on a zero-byte sentinel
// file; the operating system reclaims the lock when the holding process
// dies, so stale locks are never detected specially — the OS's
// advisory-lock release on process death is relied upon.
package lock

import (
	"github.com/gofrs/flock"
)

// Lock wraps an exclusive advisory file lock. The zero value is not usable;
// construct with New.
type Lock struct {
	fl *flock.Flock
}

// New returns a Lock scoped to path. The file is created on first
// acquisition attempt if it does not already exist; its only semantics are
// the OS advisory lock.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// TryAcquire attempts to take the exclusive lock without blocking. It
// returns acquired=false (and a nil error) when another process already
// holds it: contention means the current tick simply declines to run, not
// a failure. A non-nil error indicates a genuine I/O problem (e.g. the
// lock file's directory does not exist or is not writable), which is
// fatal.
func (l *Lock) TryAcquire() (acquired bool, err error) {
	return l.fl.TryLock()
}

// Release unlocks the file. It is safe to call even if TryAcquire never
// succeeded; callers should defer it on every exit path immediately after a
// successful TryAcquire.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
