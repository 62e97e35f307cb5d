// Package postgres implements lock.Locker on a ShedLock-compatible table:
//
//	shedlock(name text primary key, lock_until timestamptz, locked_at timestamptz, locked_by text)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/lock"
)

const acquireSQL = `INSERT INTO shedlock (name, lock_until, locked_at, locked_by)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET lock_until = EXCLUDED.lock_until, locked_at = EXCLUDED.locked_at, locked_by = EXCLUDED.locked_by
WHERE shedlock.lock_until <= EXCLUDED.locked_at`

const releaseSQL = `UPDATE shedlock SET lock_until = $1 WHERE name = $2 AND locked_by = $3 AND locked_at = $4`

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// Locker grants leases by upserting rows whose previous lease has expired.
type Locker struct {
	db    execer
	ids   crawler.IDGenerator
	clock crawler.Clock
	host  string
}

// New constructs a Locker. locked_by records "<hostname>/<id>".
func New(db execer, ids crawler.IDGenerator, clock crawler.Clock) *Locker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Locker{db: db, ids: ids, clock: clock, host: host}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}
	id, err := l.ids.NewID()
	if err != nil {
		return nil, false, fmt.Errorf("lock owner: %w", err)
	}
	owner := l.host + "/" + id
	now := l.clock.Now()
	tag, err := l.db.Exec(ctx, acquireSQL, name, now.Add(ttl), now, owner)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}
	return &lease{locker: l, name: name, owner: owner, acquired: now}, true, nil
}

type lease struct {
	locker   *Locker
	name     string
	owner    string
	acquired time.Time
}

func (l *lease) Name() string { return l.name }

func (l *lease) AcquiredAt() time.Time { return l.acquired }

// Release moves lock_until to now+keepFor (now when keepFor <= 0).
func (l *lease) Release(ctx context.Context, keepFor time.Duration) error {
	until := l.locker.clock.Now()
	if keepFor > 0 {
		until = until.Add(keepFor)
	}
	if _, err := l.locker.db.Exec(ctx, releaseSQL, until, l.name, l.owner, l.acquired); err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	return nil
}
