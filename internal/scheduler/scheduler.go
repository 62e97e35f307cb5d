// Package scheduler runs every source's crawl on a fixed interval, guarded by a
// cluster lock so that only one instance crawls a source at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/lock"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// Runner crawls one source for a set of companies.
type Runner interface {
	Crawl(ctx context.Context, companyIDs []int64) crawler.RunReport
}

// Config controls cadence and lock bounds.
type Config struct {
	// Interval between runs; runs start on interval boundaries (top of the hour for 1h).
	Interval time.Duration
	// LockAtLeast is the minimum time a lease is held after acquisition.
	LockAtLeast time.Duration
	// LockAtMost is the lease TTL; a run outliving it is no longer exclusive.
	LockAtMost time.Duration
}

// Defaults for Config.
const (
	DefaultInterval    = time.Hour
	DefaultLockAtLeast = 5 * time.Minute
	DefaultLockAtMost  = 30 * time.Minute
)

// ErrUnknownSource is returned by RunOnce for a source without a runner.
var ErrUnknownSource = errors.New("no crawler registered for source")

// Scheduler owns one periodic job per registered source.
type Scheduler struct {
	runners   map[crawler.Source]Runner
	directory crawler.CompanyDirectory
	locker    lock.Locker
	clock     crawler.Clock
	cfg       Config
	sleep     func(context.Context, time.Duration) error
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(
	runners map[crawler.Source]Runner,
	directory crawler.CompanyDirectory,
	locker lock.Locker,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockAtMost <= 0 {
		cfg.LockAtMost = DefaultLockAtMost
	}
	if cfg.LockAtLeast < 0 || cfg.LockAtLeast > cfg.LockAtMost {
		cfg.LockAtLeast = min(DefaultLockAtLeast, cfg.LockAtMost)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runners:   runners,
		directory: directory,
		locker:    locker,
		clock:     clock,
		cfg:       cfg,
		sleep:     sleep,
		logger:    logger.Named("scheduler"),
	}
}

// Run blocks until ctx is done, running each source on every interval boundary.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range crawler.Sources() {
		if _, ok := s.runners[source]; !ok {
			continue
		}
		g.Go(func() error {
			s.loop(ctx, source)
			return nil
		})
	}
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, source crawler.Source) {
	log := s.logger.With(zap.String("source", string(source)))
	for {
		now := s.clock.Now()
		next := s.NextRun(now)
		log.Debug("next crawl scheduled", zap.Time("at", next))
		if err := s.sleep(ctx, next.Sub(now)); err != nil {
			log.Info("scheduler stopped")
			return
		}
		if _, _, err := s.RunOnce(ctx, source); err != nil {
			log.Error("scheduled crawl failed", zap.Error(err))
		}
	}
}

// NextRun returns the first interval boundary strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return now.Truncate(s.cfg.Interval).Add(s.cfg.Interval)
}

// RunOnce crawls source under the cluster lock. ran is false when another
// instance holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context, source crawler.Source) (report crawler.RunReport, ran bool, err error) {
	runner, ok := s.runners[source]
	if !ok {
		return crawler.RunReport{}, false, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	name := "crawl:" + string(source)
	log := s.logger.With(zap.String("source", string(source)), zap.String("lock", name))

	lease, ok, err := s.locker.Acquire(ctx, name, s.cfg.LockAtMost)
	if err != nil {
		metrics.ObserveSchedulerLock(name, "error")
		return crawler.RunReport{}, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		metrics.ObserveSchedulerLock(name, "held")
		log.Info("crawl skipped, lock held elsewhere")
		return crawler.RunReport{}, false, nil
	}
	metrics.ObserveSchedulerLock(name, "acquired")
	defer s.release(ctx, lease, log)

	ids, err := s.companies(ctx, source)
	if err != nil {
		return crawler.RunReport{}, true, err
	}
	log.Info("scheduled crawl starting", zap.Int("companies", len(ids)))
	report = s.crawl(ctx, runner, ids, log)

	if elapsed := s.clock.Now().Sub(lease.AcquiredAt()); elapsed > s.cfg.LockAtMost {
		log.Warn("crawl outlived its lock",
			zap.Duration("elapsed", elapsed),
			zap.Duration("lock_at_most", s.cfg.LockAtMost),
		)
	}
	return report, true, nil
}

func (s *Scheduler) crawl(ctx context.Context, runner Runner, ids []int64, log *zap.Logger) (report crawler.RunReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduled crawl panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			report.Err = fmt.Sprintf("panic: %v", r)
		}
	}()
	return runner.Crawl(ctx, ids)
}

// companies lists every company with an external id for source.
func (s *Scheduler) companies(ctx context.Context, source crawler.Source) ([]int64, error) {
	all, err := s.directory.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	ids := make([]int64, 0, len(all))
	for _, c := range all {
		if _, ok := c.ExternalID(source); ok {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

// release keeps the lease until acquired+LockAtLeast.
func (s *Scheduler) release(ctx context.Context, lease lock.Lease, log *zap.Logger) {
	keepFor := lease.AcquiredAt().Add(s.cfg.LockAtLeast).Sub(s.clock.Now())
	if err := lease.Release(context.WithoutCancel(ctx), keepFor); err != nil {
		log.Warn("release lock failed", zap.Error(err))
		return
	}
	log.Debug("lock released", zap.Duration("kept_for", max(keepFor, 0)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
