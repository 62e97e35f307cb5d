package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/lock"
	"github.com/JakeFAU/review-crawler/internal/storage/memory"
)

var start = time.Date(2024, 6, 1, 12, 20, 0, 0, time.UTC)

func TestRunOnceCrawlsCompaniesWithIdentifier(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: start}
	runner := &fakeRunner{clock: clock, took: 2 * time.Minute}
	locker := &fakeLocker{clock: clock}
	s := New(map[crawler.Source]Runner{crawler.SourceTwoGIS: runner}, seedDirectory(t), locker, clock, Config{}, zap.NewNop())

	report, ran, err := s.RunOnce(context.Background(), crawler.SourceTwoGIS)
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, crawler.SourceTwoGIS, report.Source)
	require.ElementsMatch(t, []int64{1, 3}, runner.lastIDs())

	require.Equal(t, "crawl:TWO_GIS", locker.acquiredName)
	require.Equal(t, DefaultLockAtMost, locker.ttl)
	require.Equal(t, []time.Duration{3 * time.Minute}, locker.released)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: start}
	runner := &fakeRunner{clock: clock}
	locker := &fakeLocker{clock: clock, held: true}
	s := New(map[crawler.Source]Runner{crawler.SourceYandexMaps: runner}, seedDirectory(t), locker, clock, Config{}, zap.NewNop())

	_, ran, err := s.RunOnce(context.Background(), crawler.SourceYandexMaps)
	require.NoError(t, err)
	require.False(t, ran)
	require.Zero(t, runner.callCount())
}

func TestRunOnceLockError(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: start}
	runner := &fakeRunner{clock: clock}
	locker := &fakeLocker{clock: clock, err: errors.New("redis down")}
	s := New(map[crawler.Source]Runner{crawler.SourceTwoGIS: runner}, seedDirectory(t), locker, clock, Config{}, zap.NewNop())

	_, ran, err := s.RunOnce(context.Background(), crawler.SourceTwoGIS)
	require.ErrorContains(t, err, "redis down")
	require.False(t, ran)
	require.Zero(t, runner.callCount())
}

func TestRunOnceReleasesImmediatelyAfterLongRun(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: start}
	runner := &fakeRunner{clock: clock, took: 45 * time.Minute}
	locker := &fakeLocker{clock: clock}
	s := New(map[crawler.Source]Runner{crawler.SourceTwoGIS: runner}, seedDirectory(t), locker, clock, Config{}, zap.NewNop())

	_, ran, err := s.RunOnce(context.Background(), crawler.SourceTwoGIS)
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, locker.released, 1)
	require.LessOrEqual(t, locker.released[0], time.Duration(0))
}

func TestRunOnceRecoversPanicAndReleases(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: start}
	runner := &fakeRunner{clock: clock, panics: true}
	locker := &fakeLocker{clock: clock}
	s := New(map[crawler.Source]Runner{crawler.SourceTwoGIS: runner}, seedDirectory(t), locker, clock, Config{}, zap.NewNop())

	report, ran, err := s.RunOnce(context.Background(), crawler.SourceTwoGIS)
	require.NoError(t, err)
	require.True(t, ran)
	require.Contains(t, report.Err, "panic")
	require.Len(t, locker.released, 1)
}

func TestRunOnceUnknownSource(t *testing.T) {
	t.Parallel()

	s := New(nil, seedDirectory(t), &fakeLocker{}, &stepClock{now: start}, Config{}, zap.NewNop())
	_, _, err := s.RunOnce(context.Background(), crawler.SourceTwoGIS)
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestNextRunAlignsToInterval(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, nil, &stepClock{}, Config{}, nil)
	require.Equal(t, time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC), s.NextRun(start))
	require.Equal(t, time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC), s.NextRun(time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)))

	s = New(nil, nil, nil, &stepClock{}, Config{Interval: 15 * time.Minute}, nil)
	require.Equal(t, time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC), s.NextRun(start))
}

func TestRunWaitsForBoundaryThenCrawlsEverySource(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: start}
	twoGIS := &fakeRunner{clock: clock}
	yandex := &fakeRunner{clock: clock}
	s := New(map[crawler.Source]Runner{
		crawler.SourceTwoGIS:     twoGIS,
		crawler.SourceYandexMaps: yandex,
	}, seedDirectory(t), &fakeLocker{clock: clock}, clock, Config{}, zap.NewNop())

	var (
		mu      sync.Mutex
		waits   []time.Duration
		calls   int
		barrier sync.WaitGroup
	)
	barrier.Add(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Each source loop wakes up exactly once, then sees a canceled context.
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		calls++
		first := calls <= 2
		mu.Unlock()
		if !first {
			return context.Canceled
		}
		barrier.Done()
		barrier.Wait()
		return nil
	}

	require.NoError(t, s.Run(ctx))
	require.Equal(t, 1, twoGIS.callCount())
	require.Equal(t, 1, yandex.callCount())
	require.Contains(t, waits, 40*time.Minute)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRunner struct {
	clock  *stepClock
	took   time.Duration
	panics bool

	mu    sync.Mutex
	calls [][]int64
}

func (r *fakeRunner) Crawl(_ context.Context, ids []int64) crawler.RunReport {
	r.mu.Lock()
	r.calls = append(r.calls, ids)
	r.mu.Unlock()
	if r.panics {
		panic("browser vanished")
	}
	r.clock.advance(r.took)
	return crawler.RunReport{Source: crawler.SourceTwoGIS}
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) lastIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type fakeLocker struct {
	clock *stepClock
	held  bool
	err   error

	mu           sync.Mutex
	acquiredName string
	ttl          time.Duration
	released     []time.Duration
}

func (l *fakeLocker) Acquire(_ context.Context, name string, ttl time.Duration) (lock.Lease, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquiredName = name
	l.ttl = ttl
	return &fakeLease{locker: l, name: name, at: l.clock.Now()}, true, nil
}

type fakeLease struct {
	locker *fakeLocker
	name   string
	at     time.Time
}

func (l *fakeLease) Name() string          { return l.name }
func (l *fakeLease) AcquiredAt() time.Time { return l.at }

func (l *fakeLease) Release(_ context.Context, keepFor time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	l.locker.released = append(l.locker.released, keepFor)
	return nil
}

func seedDirectory(t *testing.T) *memory.CompanyStore {
	t.Helper()
	store := memory.NewCompanyStore()
	for _, c := range []crawler.Company{
		{Name: "Coffee", ExternalIDs: map[crawler.Source]string{crawler.SourceTwoGIS: "70000001", crawler.SourceYandexMaps: "1124715036"}},
		{Name: "Bakery", ExternalIDs: map[crawler.Source]string{crawler.SourceYandexMaps: "2000"}},
		{Name: "Florist", ExternalIDs: map[crawler.Source]string{crawler.SourceTwoGIS: "70000003"}},
	} {
		_, err := store.Create(context.Background(), c)
		require.NoError(t, err)
	}
	return store
}
