// Package dispatcher runs on-demand crawls on a fixed pool of workers fed by a
// bounded queue, and hands callers a ticket that completes with the run report.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/worker"
)

// ErrQueueFull is returned by Submit when no queue slot frees up within the submit timeout.
var ErrQueueFull = errors.New("crawl queue is full")

// Config controls the worker pool.
type Config struct {
	Workers       int
	SubmitTimeout time.Duration
}

// Ticket tracks one submitted crawl.
type Ticket struct {
	ID         string
	Source     crawler.Source
	CompanyIDs []int64

	done   chan struct{}
	report crawler.RunReport
}

// Done is closed once the crawl has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Report returns the run report and whether the crawl has finished.
func (t *Ticket) Report() (crawler.RunReport, bool) {
	select {
	case <-t.done:
		return t.report, true
	default:
		return crawler.RunReport{}, false
	}
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	ids     crawler.IDGenerator
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*Ticket
}

// New creates a Dispatcher with cfg.Workers workers sharing queue.
func New(
	queue crawler.Queue,
	runners map[crawler.Source]worker.Runner,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   queue,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
		pending: make(map[string]*Ticket),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workers = append(d.workers, worker.New(queue, runners, clock, d.complete, logger.With(zap.Int("worker", i))))
	}
	return d
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Submit queues a crawl of source for companyIDs.
func (d *Dispatcher) Submit(ctx context.Context, source crawler.Source, companyIDs []int64) (*Ticket, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	id, err := d.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("ticket id: %w", err)
	}
	ticket := &Ticket{
		ID:         id,
		Source:     source,
		CompanyIDs: append([]int64(nil), companyIDs...),
		done:       make(chan struct{}),
	}
	d.mu.Lock()
	d.pending[id] = ticket
	d.mu.Unlock()

	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	item := crawler.QueueItem{TicketID: id, Source: source, CompanyIDs: ticket.CompanyIDs, Submitted: d.clock.Now()}
	if err := d.queue.Enqueue(submitCtx, item); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrQueueFull
		}
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("crawl submitted",
		zap.String("ticket_id", id),
		zap.String("source", string(source)),
		zap.Int64s("company_ids", companyIDs),
	)
	return ticket, nil
}

// TriggerAll submits a crawl of every source for one company. Failures are logged, not returned.
func (d *Dispatcher) TriggerAll(ctx context.Context, companyID int64) []*Ticket {
	tickets := make([]*Ticket, 0, len(crawler.Sources()))
	for _, source := range crawler.Sources() {
		ticket, err := d.Submit(ctx, source, []int64{companyID})
		if err != nil {
			d.logger.Warn("trigger crawl failed",
				zap.Int64("company_id", companyID),
				zap.String("source", string(source)),
				zap.Error(err),
			)
			continue
		}
		tickets = append(tickets, ticket)
	}
	return tickets
}

func (d *Dispatcher) complete(item crawler.QueueItem, report crawler.RunReport) {
	d.mu.Lock()
	ticket, ok := d.pending[item.TicketID]
	delete(d.pending, item.TicketID)
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("completed crawl has no ticket", zap.String("ticket_id", item.TicketID))
		return
	}
	ticket.report = report
	close(ticket.done)
}
