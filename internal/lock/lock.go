package lock

import (
	"context"
	"errors"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker serializes work per key. Acquire blocks until the lock is held or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}
