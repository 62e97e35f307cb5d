// Package local grants leases within a single process, for deployments
// without redis or postgres.
package local

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/lock"
)

// Locker keeps lease expiries in a map.
type Locker struct {
	clock crawler.Clock

	mu      sync.Mutex
	until   map[string]time.Time
	holders map[string]*lease
}

// New constructs a Locker.
func New(clock crawler.Clock) *Locker {
	return &Locker{
		clock:   clock,
		until:   make(map[string]time.Time),
		holders: make(map[string]*lease),
	}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(_ context.Context, name string, ttl time.Duration) (lock.Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.until[name]; ok && now.Before(until) {
		return nil, false, nil
	}
	held := &lease{owner: l, name: name, acquired: now}
	l.until[name] = now.Add(ttl)
	l.holders[name] = held
	return held, true, nil
}

type lease struct {
	owner    *Locker
	name     string
	acquired time.Time
}

func (l *lease) Name() string { return l.name }

func (l *lease) AcquiredAt() time.Time { return l.acquired }

// Release is a no-op once another holder has taken the lock over.
func (l *lease) Release(_ context.Context, keepFor time.Duration) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holders[l.name] != l {
		return nil
	}
	if keepFor > 0 {
		o.until[l.name] = o.clock.Now().Add(keepFor)
		return nil
	}
	delete(o.until, l.name)
	delete(o.holders, l.name)
	return nil
}
