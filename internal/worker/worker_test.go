package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/queue/memory"
)

func TestWorkerRunsMatchingSource(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(4)
	twoGIS := &fakeRunner{report: crawler.RunReport{Source: crawler.SourceTwoGIS, Companies: []crawler.CompanyReport{{CompanyID: 1, Persisted: 3}}}}
	yandex := &fakeRunner{report: crawler.RunReport{Source: crawler.SourceYandexMaps}}
	done := newRecorder()
	w := New(queue, map[crawler.Source]Runner{
		crawler.SourceTwoGIS:     twoGIS,
		crawler.SourceYandexMaps: yandex,
	}, fixedClock{}, done.record, zap.NewNop())
	go w.Run(ctx)

	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{TicketID: "t1", Source: crawler.SourceTwoGIS, CompanyIDs: []int64{1, 2}}))

	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 5*time.Millisecond)
	item, report := done.last()
	require.Equal(t, "t1", item.TicketID)
	require.Equal(t, 3, report.Persisted())
	require.Equal(t, [][]int64{{1, 2}}, twoGIS.calls())
	require.Empty(t, yandex.calls())
}

func TestWorkerReportsUnknownSource(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(1)
	done := newRecorder()
	w := New(queue, map[crawler.Source]Runner{}, fixedClock{}, done.record, zap.NewNop())
	go w.Run(ctx)

	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{TicketID: "t1", Source: crawler.SourceYandexMaps}))
	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 5*time.Millisecond)
	_, report := done.last()
	require.Contains(t, report.Err, "no crawler for source")
	require.Equal(t, crawler.SourceYandexMaps, report.Source)
}

func TestWorkerRecoversPanics(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memory.NewQueue(2)
	runner := &fakeRunner{panicOnce: true}
	done := newRecorder()
	w := New(queue, map[crawler.Source]Runner{crawler.SourceTwoGIS: runner}, fixedClock{}, done.record, zap.NewNop())
	go w.Run(ctx)

	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{TicketID: "boom", Source: crawler.SourceTwoGIS}))
	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{TicketID: "ok", Source: crawler.SourceTwoGIS}))

	require.Eventually(t, func() bool { return done.count() == 2 }, time.Second, 5*time.Millisecond)
	reports := done.all()
	require.Contains(t, reports["boom"].Err, "panic: scraper exploded")
	require.Empty(t, reports["ok"].Err)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	w := New(queue, nil, nil, nil, nil)
	stopped := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(stopped)
	}()
	queue.Close()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

type fakeRunner struct {
	mu        sync.Mutex
	report    crawler.RunReport
	panicOnce bool
	ids       [][]int64
}

func (r *fakeRunner) Crawl(_ context.Context, ids []int64) crawler.RunReport {
	r.mu.Lock()
	r.ids = append(r.ids, ids)
	shouldPanic := r.panicOnce
	r.panicOnce = false
	r.mu.Unlock()
	if shouldPanic {
		panic("scraper exploded")
	}
	return r.report
}

func (r *fakeRunner) calls() [][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int64(nil), r.ids...)
}

type recorder struct {
	mu      sync.Mutex
	items   []crawler.QueueItem
	reports map[string]crawler.RunReport
}

func newRecorder() *recorder {
	return &recorder{reports: map[string]crawler.RunReport{}}
}

func (r *recorder) record(item crawler.QueueItem, report crawler.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	r.reports[item.TicketID] = report
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *recorder) last() (crawler.QueueItem, crawler.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.items[len(r.items)-1]
	return item, r.reports[item.TicketID]
}

func (r *recorder) all() map[string]crawler.RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]crawler.RunReport, len(r.reports))
	for k, v := range r.reports {
		out[k] = v
	}
	return out
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
