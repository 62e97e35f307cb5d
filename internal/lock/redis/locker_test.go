package redis

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	mr, locker := newLocker(t)
	ctx := context.Background()

	lease, ok, err := locker.Acquire(ctx, "crawl:TWO_GIS", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "crawl:TWO_GIS", lease.Name())
	require.Equal(t, now, lease.AcquiredAt())
	require.Equal(t, 30*time.Minute, mr.TTL(DefaultPrefix+"crawl:TWO_GIS"))

	_, ok, err = locker.Acquire(ctx, "crawl:TWO_GIS", 30*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = locker.Acquire(ctx, "crawl:YANDEX_MAPS", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseKeepsMinimumHold(t *testing.T) {
	t.Parallel()

	mr, locker := newLocker(t)
	ctx := context.Background()
	key := DefaultPrefix + "crawl:TWO_GIS"

	lease, ok, err := locker.Acquire(ctx, "crawl:TWO_GIS", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lease.Release(ctx, 4*time.Minute))
	require.Equal(t, 4*time.Minute, mr.TTL(key))
	_, ok, err = locker.Acquire(ctx, "crawl:TWO_GIS", 30*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(5 * time.Minute)
	_, ok, err = locker.Acquire(ctx, "crawl:TWO_GIS", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseDeletesOnlyOwnLease(t *testing.T) {
	t.Parallel()

	mr, locker := newLocker(t)
	ctx := context.Background()
	key := DefaultPrefix + "crawl:YANDEX_MAPS"

	stale, ok, err := locker.Acquire(ctx, "crawl:YANDEX_MAPS", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	current, ok, err := locker.Acquire(ctx, "crawl:YANDEX_MAPS", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(ctx, 0))
	require.True(t, mr.Exists(key))

	require.NoError(t, current.Release(ctx, 0))
	require.False(t, mr.Exists(key))
}

func TestAcquireRejectsZeroTTL(t *testing.T) {
	t.Parallel()

	_, locker := newLocker(t)
	_, _, err := locker.Acquire(context.Background(), "crawl:TWO_GIS", 0)
	require.Error(t, err)
}

func TestAcquireSurfacesRedisErrors(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Close())
	locker := New(client, &seqIDs{}, fixedClock{}, "")
	_, _, err := locker.Acquire(context.Background(), "crawl:TWO_GIS", time.Minute)
	require.Error(t, err)
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "owner-" + strconv.Itoa(s.n), nil
}

func newLocker(t *testing.T) (*miniredis.Miniredis, *Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, &seqIDs{}, fixedClock{}, "")
}
