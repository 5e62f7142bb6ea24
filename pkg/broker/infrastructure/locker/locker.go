// Package locker serialises the broker's administrative operations.
// Purging a topic, deleting a subscription and purging a DLQ each
// delete hot-store state and re-create part of it; two admins
// interleaving those steps would resurrect half-deleted objects. A
// Guard runs such an operation while holding a named lease, keeping
// the lease alive for as long as the operation takes.
package locker

import (
	"context"
	"errors"
)

var (
	// ErrLockBusy is returned when the lease is still held by another
	// admin after the guard's bounded acquire attempts.
	ErrLockBusy = errors.New("admin lock is held elsewhere")

	// ErrGuardClosed is returned when a guard is used after Close.
	ErrGuardClosed = errors.New("locker is closed")
)

// Guard serialises named administrative operations.
type Guard interface {
	// WithLock runs fn while holding the lease for key. The lease is
	// extended for as long as fn runs, so a slow purge cannot lose the
	// lock mid-operation, and released when fn returns. fn's error is
	// returned as-is.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error

	// Close releases the guard's resources; subsequent WithLock calls
	// fail with ErrGuardClosed.
	Close() error
}
