// Package engine runs one source's crawl across a set of companies: it resolves
// each company's external id, asks the source adapter for everything newer than
// the stored frontier and persists the result oldest first.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// State is a step of the per-company crawl.
type State string

// Company crawl states.
const (
	StateIdle                State = "idle"
	StateResolvingIdentifier State = "resolving_identifier"
	StateFetching            State = "fetching"
	StateFrontierReached     State = "frontier_reached"
	StateExhausted           State = "exhausted"
	StateFaulted             State = "faulted"
	StateSorting             State = "sorting"
	StatePersisting          State = "persisting"
)

// Config controls optional engine behavior.
type Config struct {
	// Topic receives one message per persisted review. Empty disables publishing.
	Topic string
}

// Engine synchronises one source into the review store.
type Engine struct {
	adapter   crawler.Adapter
	directory crawler.CompanyDirectory
	reviews   crawler.ReviewStore
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Engine. publisher may be nil.
func New(
	adapter crawler.Adapter,
	directory crawler.CompanyDirectory,
	reviews crawler.ReviewStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		adapter:   adapter,
		directory: directory,
		reviews:   reviews,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("engine").With(zap.String("source", string(adapter.Source()))),
	}
}

// Source returns the feed this engine crawls.
func (e *Engine) Source() crawler.Source { return e.adapter.Source() }

// Crawl runs the source for the given companies, one company at a time.
// Failures are reported, never returned: a faulted company does not affect the
// others, and only a failed batch preparation (e.g. no credential) aborts the run.
func (e *Engine) Crawl(ctx context.Context, companyIDs []int64) crawler.RunReport {
	source := e.adapter.Source()
	report := crawler.RunReport{Source: source, Started: e.clock.Now()}
	defer func() {
		report.Finished = e.clock.Now()
		result := "ok"
		if report.Err != "" {
			result = "error"
		}
		metrics.ObserveCrawlRun(string(source), result)
		e.logger.Info("crawl finished",
			zap.Int("companies", len(report.Companies)),
			zap.Int("persisted", report.Persisted()),
			zap.Duration("elapsed", report.Finished.Sub(report.Started)),
			zap.String("error", report.Err),
		)
	}()

	targets := e.resolve(ctx, companyIDs, &report)
	if len(targets) == 0 {
		e.logger.Info("no companies to crawl", zap.Int64s("requested", companyIDs))
		return report
	}

	fetcher, err := e.adapter.Open(ctx, targets[0])
	if err != nil {
		e.logger.Error("crawl batch aborted", zap.Int("companies", len(targets)), zap.Error(err))
		report.Err = err.Error()
		return report
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			report.Err = ctx.Err().Error()
			return report
		}
		report.Companies = append(report.Companies, e.crawlCompany(ctx, fetcher, target))
	}
	return report
}

// resolve maps ids to targets, recording a skipped entry for every id that cannot be crawled.
func (e *Engine) resolve(ctx context.Context, ids []int64, report *crawler.RunReport) []crawler.Target {
	source := e.adapter.Source()
	targets := make([]crawler.Target, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		log := e.logger.With(zap.Int64("company_id", id))
		log.Debug("state transition", zap.String("from", string(StateIdle)), zap.String("to", string(StateResolvingIdentifier)))
		company, err := e.directory.Get(ctx, id)
		if err != nil {
			reason := "lookup failed"
			if errors.Is(err, crawler.ErrCompanyNotFound) {
				reason = "company not found"
			}
			log.Warn("skipping company", zap.String("reason", reason), zap.Error(err))
			report.Companies = append(report.Companies, crawler.CompanyReport{CompanyID: id, Skipped: reason})
			continue
		}
		externalID, ok := company.ExternalID(source)
		if !ok {
			log.Warn("skipping company", zap.String("reason", "no external id"))
			report.Companies = append(report.Companies, crawler.CompanyReport{CompanyID: id, Skipped: "no external id"})
			continue
		}
		targets = append(targets, crawler.Target{CompanyID: id, ExternalID: externalID})
	}
	return targets
}

func (e *Engine) crawlCompany(ctx context.Context, fetcher crawler.CompanyFetcher, target crawler.Target) crawler.CompanyReport {
	source := e.adapter.Source()
	log := e.logger.With(zap.Int64("company_id", target.CompanyID), zap.String("external_id", target.ExternalID))
	rep := crawler.CompanyReport{CompanyID: target.CompanyID, ExternalID: target.ExternalID}
	state := StateResolvingIdentifier
	transition := func(next State) {
		log.Debug("state transition", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}
	defer func() {
		transition(StateIdle)
		metrics.ObserveCompanyCrawl(string(source), string(rep.Stop))
	}()

	frontier := ""
	latest, ok, err := e.reviews.MostRecent(ctx, target.CompanyID, source)
	if err != nil {
		transition(StateFaulted)
		log.Error("frontier lookup failed", zap.Error(err))
		rep.Stop = crawler.StopFaulted
		rep.Err = fmt.Sprintf("frontier lookup: %v", err)
		return rep
	}
	if ok {
		frontier = latest.ExternalID
	}

	transition(StateFetching)
	batch := crawler.NewBatch(source, frontier, e.reviews)
	started := time.Now()
	outcome := fetcher.Fetch(ctx, target, batch)
	rep.Stop = outcome.Stop
	rep.Pages = outcome.Pages
	rep.Accepted = batch.Len()
	switch outcome.Stop {
	case crawler.StopFrontier:
		transition(StateFrontierReached)
	case crawler.StopExhausted:
		transition(StateExhausted)
	default:
		transition(StateFaulted)
		if outcome.Err != nil {
			rep.Err = outcome.Err.Error()
		}
		log.Warn("fetch faulted, keeping records gathered so far",
			zap.Int("pages", outcome.Pages),
			zap.Int("accepted", rep.Accepted),
			zap.Error(outcome.Err),
		)
	}
	log.Info("fetch finished",
		zap.String("frontier", frontier),
		zap.String("stop", string(outcome.Stop)),
		zap.Int("pages", outcome.Pages),
		zap.Int("accepted", rep.Accepted),
		zap.Duration("elapsed", time.Since(started)),
	)
	metrics.ObserveReviews(string(source), "accepted", rep.Accepted)

	transition(StateSorting)
	records := batch.Chronological()

	transition(StatePersisting)
	for _, rec := range records {
		if ctx.Err() != nil {
			log.Warn("persisting interrupted", zap.Int("remaining", len(records)-rep.Persisted-rep.Conflicts-rep.Failed))
			break
		}
		e.persist(ctx, log, target, rec, &rep)
	}
	metrics.ObserveReviews(string(source), "persisted", rep.Persisted)
	metrics.ObserveReviews(string(source), "conflict", rep.Conflicts)
	metrics.ObserveReviews(string(source), "failed", rep.Failed)
	return rep
}

func (e *Engine) persist(ctx context.Context, log *zap.Logger, target crawler.Target, rec crawler.RawReview, rep *crawler.CompanyReport) {
	saved, err := e.reviews.Save(ctx, crawler.NewReview(target.CompanyID, e.adapter.Source(), rec))
	switch {
	case errors.Is(err, crawler.ErrPersistenceConflict):
		rep.Conflicts++
		log.Debug("review already stored", zap.String("review_external_id", rec.ExternalID))
		return
	case err != nil:
		rep.Failed++
		log.Error("save review failed", zap.String("review_external_id", rec.ExternalID), zap.Error(err))
		return
	}
	rep.Persisted++
	e.publish(ctx, log, saved)
}

func (e *Engine) publish(ctx context.Context, log *zap.Logger, review crawler.Review) {
	if e.cfg.Topic == "" || e.publisher == nil {
		return
	}
	payload := map[string]any{
		"review_id":    review.ID,
		"company_id":   review.CompanyID,
		"source":       string(review.Source),
		"external_id":  review.ExternalID,
		"rating":       review.Rating,
		"published_at": review.PublishedAt.Format(time.RFC3339),
		"timestamp":    e.clock.Now().Format(time.RFC3339),
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, payload); err != nil {
		log.Warn("publish review failed", zap.Int64("review_id", review.ID), zap.Error(err))
	}
}
