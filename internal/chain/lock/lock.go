// Package lock serializes chain appends per chain key and claims records
// while they are in flight to the authority.
package lock

import (
	"context"
	"time"
)

// Locker acquires an exclusive lock on key, waiting at most timeout. It returns
// sentinel.ErrLocked when the wait expires; a timeout <= 0 tries exactly once.
// release is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}
