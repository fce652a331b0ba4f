// Package lock provides keyed mutual exclusion for provider operations,
// either within one process or across processes through Redis.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// acquire timeout.
var ErrNotAcquired = errors.New("lock not acquired")

// ReleaseFunc gives up a held lock. It is safe to call more than once.
type ReleaseFunc func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	// Acquire blocks until key is held, timeout elapses or ctx is done.
	// On timeout it returns ErrNotAcquired.
	Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error)
}

// Pinger is implemented by lockers backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
