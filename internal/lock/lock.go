// Package lock defines the cluster-wide mutual exclusion used by scheduled crawls.
package lock

import (
	"context"
	"time"
)

// Locker grants named, time-bounded leases. Acquire returns ok=false when
// another holder owns an unexpired lease.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error)
}

// Lease is a held lock. Release keeps the lock for keepFor more (so that other
// instances do not rerun a job that just finished) or drops it when keepFor <= 0.
type Lease interface {
	Name() string
	AcquiredAt() time.Time
	Release(ctx context.Context, keepFor time.Duration) error
}
