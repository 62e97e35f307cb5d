// Package worker executes queued on-demand crawls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// Runner crawls one source for a set of companies. engine.Engine implements it.
type Runner interface {
	Crawl(ctx context.Context, companyIDs []int64) crawler.RunReport
}

// CompletionFunc is called once per dequeued item with the resulting report.
type CompletionFunc func(item crawler.QueueItem, report crawler.RunReport)

// Worker consumes queue items and runs the matching source crawl.
type Worker struct {
	queue   crawler.Queue
	runners map[crawler.Source]Runner
	clock   crawler.Clock
	onDone  CompletionFunc
	logger  *zap.Logger
}

// New constructs a Worker. onDone may be nil.
func New(
	queue crawler.Queue,
	runners map[crawler.Source]Runner,
	clock crawler.Clock,
	onDone CompletionFunc,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		runners: runners,
		clock:   clock,
		onDone:  onDone,
		logger:  logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Info("queue closed, worker stopping")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued crawl",
			zap.String("ticket_id", item.TicketID),
			zap.String("source", string(item.Source)),
			zap.Int64s("company_ids", item.CompanyIDs),
		)
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	report := w.run(ctx, item)
	if w.onDone != nil {
		w.onDone(item, report)
	}
}

// run executes the crawl; a panic is converted into a failed report.
func (w *Worker) run(ctx context.Context, item crawler.QueueItem) (report crawler.RunReport) {
	log := w.logger.With(zap.String("ticket_id", item.TicketID), zap.String("source", string(item.Source)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("crawl panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			report = w.failed(item, fmt.Sprintf("panic: %v", r))
		}
	}()

	runner, ok := w.runners[item.Source]
	if !ok {
		log.Error("no crawler registered for source")
		return w.failed(item, fmt.Sprintf("no crawler for source %q", item.Source))
	}
	report = runner.Crawl(ctx, item.CompanyIDs)
	if report.Err != "" {
		log.Warn("crawl finished with error", zap.String("error", report.Err))
	} else {
		log.Info("crawl finished", zap.Int("persisted", report.Persisted()))
	}
	return report
}

func (w *Worker) failed(item crawler.QueueItem, msg string) crawler.RunReport {
	now := w.now()
	return crawler.RunReport{Source: item.Source, Started: now, Finished: now, Err: msg}
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
