// Package redis implements lock.Locker on Redis using SET NX PX and
// owner-checked scripts for release.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/lock"
)

// DefaultPrefix namespaces lock keys.
const DefaultPrefix = "reviews:lock:"

var (
	// compare-and-expire
	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	// compare-and-delete
	deleteScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Locker grants leases stored as Redis keys.
type Locker struct {
	client goredis.UniversalClient
	ids    crawler.IDGenerator
	clock  crawler.Clock
	prefix string
}

// New constructs a Locker. Every lease value is a fresh id so only its holder can release it.
func New(client goredis.UniversalClient, ids crawler.IDGenerator, clock crawler.Clock, prefix string) *Locker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Locker{client: client, ids: ids, clock: clock, prefix: prefix}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}
	token, err := l.ids.NewID()
	if err != nil {
		return nil, false, fmt.Errorf("lock token: %w", err)
	}
	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lease{client: l.client, name: name, key: key, token: token, acquired: l.clock.Now()}, true, nil
}

type lease struct {
	client   goredis.UniversalClient
	name     string
	key      string
	token    string
	acquired time.Time
}

func (l *lease) Name() string { return l.name }

func (l *lease) AcquiredAt() time.Time { return l.acquired }

// Release shortens the key's expiry to keepFor, or deletes it. A lease that
// already expired or was taken over is left alone.
func (l *lease) Release(ctx context.Context, keepFor time.Duration) error {
	var err error
	if keepFor > 0 {
		err = extendScript.Run(ctx, l.client, []string{l.key}, l.token, keepFor.Milliseconds()).Err()
	} else {
		err = deleteScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	}
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
