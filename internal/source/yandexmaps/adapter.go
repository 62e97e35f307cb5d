// Package yandexmaps collects Yandex Maps reviews by scrolling the organisation's
// review tab in a headless browser and intercepting the fetchReviews responses
// the page loads in the background.
package yandexmaps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/browser"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// Defaults matching the current Yandex Maps review tab.
const (
	DefaultReviewURLTemplate  = "https://yandex.ru/maps/org/%s/reviews/"
	DefaultResponsePattern    = `/maps/api/business/fetchReviews`
	DefaultReadySelector      = "body"
	DefaultSortToggleSelector = ".rating-ranking-view"
	DefaultSortPopupSelector  = ".rating-ranking-view__popup"
	DefaultSortNewestSelector = `.rating-ranking-view__popup-line[aria-label="По новизне"]`
	DefaultScrollSelector     = ".card-reviews-view"
	DefaultEndKeySelector     = "body"
	DefaultMaxIdleIterations  = 3
	DefaultMaxIterations      = 400
)

// Config controls navigation, selectors and loop timing.
type Config struct {
	ReviewURLTemplate  string
	ReadySelector      string
	Rule               browser.TrafficRule
	SortToggleSelector string
	SortPopupSelector  string
	SortNewestSelector string
	ScrollSelector     string
	EndKeySelector     string

	InitialWait    time.Duration
	SortWait       time.Duration
	ClickWait      time.Duration
	SettleInterval time.Duration
	IterationPause time.Duration

	MaxIdleIterations int
	// MaxIterations bounds the loop when the feed keeps producing duplicates.
	MaxIterations int
	// RelaxFrontierWhenUnsorted treats the frontier as an ordinary duplicate when
	// the newest-first ordering could not be selected. Off by default: the
	// frontier stops the crawl whatever order the feed arrives in.
	RelaxFrontierWhenUnsorted bool
}

// DefaultConfig returns the production selectors and timings.
func DefaultConfig() Config {
	return Config{
		ReviewURLTemplate:  DefaultReviewURLTemplate,
		ReadySelector:      DefaultReadySelector,
		Rule:               browser.MustCompileRule(browser.RuleSpec{Name: "yandex-reviews", Phase: "response", URLPattern: DefaultResponsePattern}),
		SortToggleSelector: DefaultSortToggleSelector,
		SortPopupSelector:  DefaultSortPopupSelector,
		SortNewestSelector: DefaultSortNewestSelector,
		ScrollSelector:     DefaultScrollSelector,
		EndKeySelector:     DefaultEndKeySelector,
		InitialWait:        2 * time.Second,
		SortWait:           2 * time.Second,
		ClickWait:          500 * time.Millisecond,
		SettleInterval:     time.Second,
		IterationPause:     2 * time.Second,
		MaxIdleIterations:  DefaultMaxIdleIterations,
		MaxIterations:      DefaultMaxIterations,
	}
}

// Adapter implements crawler.Adapter and crawler.CompanyFetcher for Yandex Maps.
// Every Fetch runs in its own browser session.
type Adapter struct {
	launcher browser.Launcher
	hasher   crawler.Hasher
	archive  crawler.PayloadArchive
	cfg      Config
	sleep    func(context.Context, time.Duration) error
	logger   *zap.Logger
}

// New builds an Adapter. archive is optional.
func New(launcher browser.Launcher, hasher crawler.Hasher, archive crawler.PayloadArchive, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if cfg.Rule.URLPattern == nil {
		return nil, errors.New("response rule is required")
	}
	if cfg.ReviewURLTemplate == "" {
		cfg.ReviewURLTemplate = DefaultReviewURLTemplate
	}
	if cfg.MaxIdleIterations <= 0 {
		cfg.MaxIdleIterations = DefaultMaxIdleIterations
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		launcher: launcher,
		hasher:   hasher,
		archive:  archive,
		cfg:      cfg,
		sleep:    browser.Pause,
		logger:   logger.Named("yandexmaps"),
	}, nil
}

// Source implements crawler.Adapter.
func (a *Adapter) Source() crawler.Source { return crawler.SourceYandexMaps }

// Open has no batch-wide prerequisite.
func (a *Adapter) Open(context.Context, crawler.Target) (crawler.CompanyFetcher, error) {
	return a, nil
}

// Fetch drives the review tab until the idle threshold or the frontier is reached.
func (a *Adapter) Fetch(ctx context.Context, target crawler.Target, batch *crawler.Batch) crawler.Outcome {
	log := a.logger.With(
		zap.Int64("company_id", target.CompanyID),
		zap.String("source", string(crawler.SourceYandexMaps)),
		zap.String("external_id", target.ExternalID),
	)

	session, err := a.launcher.Acquire(ctx)
	if err != nil {
		log.Error("browser session unavailable", zap.Error(err))
		return crawler.Faulted(0, wrapAcquisition(err))
	}
	defer session.Release()

	session.Observe(a.cfg.Rule)
	reviewURL := fmt.Sprintf(a.cfg.ReviewURLTemplate, target.ExternalID)
	log.Info("opening review tab", zap.String("url", reviewURL))
	if err := session.Navigate(ctx, reviewURL, a.cfg.ReadySelector); err != nil {
		log.Error("review tab did not load", zap.Error(err))
		return crawler.Faulted(0, wrapAcquisition(err))
	}
	if err := a.sleep(ctx, a.cfg.InitialWait); err != nil {
		return crawler.Faulted(0, err)
	}

	if !a.sortNewest(ctx, session, log) && a.cfg.RelaxFrontierWhenUnsorted {
		log.Warn("feed order unknown, frontier treated as duplicate")
		batch.Relax()
	}
	if a.cfg.ScrollSelector != "" {
		if err := session.Interact(ctx, a.cfg.ScrollSelector, browser.ActionWaitVisible); err != nil {
			log.Warn("review list not found", zap.String("selector", a.cfg.ScrollSelector), zap.Error(err))
		}
	}

	loop := &scrollLoop{adapter: a, session: session, batch: batch, target: target, log: log, seen: make(map[string]struct{})}
	return loop.run(ctx)
}

// sortNewest selects newest-first ordering. Failures are logged only; the
// frontier check still bounds the crawl.
func (a *Adapter) sortNewest(ctx context.Context, session browser.Session, log *zap.Logger) bool {
	if a.cfg.SortToggleSelector == "" {
		return true
	}
	steps := []struct {
		selector string
		action   browser.Action
	}{
		{a.cfg.SortToggleSelector, browser.ActionClick},
		{a.cfg.SortPopupSelector, browser.ActionWaitVisible},
		{a.cfg.SortNewestSelector, browser.ActionClick},
	}
	for _, step := range steps {
		if step.selector == "" {
			continue
		}
		if err := session.Interact(ctx, step.selector, step.action); err != nil {
			log.Warn("sort by newest failed", zap.String("selector", step.selector), zap.Stringer("action", step.action), zap.Error(err))
			return false
		}
	}
	log.Debug("sorted by newest")
	if err := a.sleep(ctx, a.cfg.SortWait); err != nil {
		return false
	}
	return true
}

func wrapAcquisition(err error) error {
	if errors.Is(err, crawler.ErrAcquisition) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", crawler.ErrAcquisition, err)
}

type scrollLoop struct {
	adapter *Adapter
	session browser.Session
	batch   *crawler.Batch
	target  crawler.Target
	log     *zap.Logger

	seen     map[string]struct{}
	payloads int
	idle     int
}

func (l *scrollLoop) run(ctx context.Context) crawler.Outcome {
	cfg := l.adapter.cfg
	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		l.loadMore(ctx)
		if err := l.adapter.sleep(ctx, cfg.SettleInterval); err != nil {
			return crawler.Faulted(l.payloads, err)
		}

		accepted, err := l.consume(ctx, l.session.Drain())
		if err != nil {
			return crawler.Faulted(l.payloads, err)
		}
		if l.batch.FrontierReached() {
			l.log.Debug("frontier reached", zap.String("frontier", l.batch.Frontier()), zap.Int("iteration", iteration))
			return crawler.FrontierReached(l.payloads)
		}
		if accepted == 0 {
			l.idle++
			l.log.Debug("no new reviews", zap.Int("idle", l.idle), zap.Int("max_idle", cfg.MaxIdleIterations))
			if l.idle >= cfg.MaxIdleIterations {
				return crawler.Exhausted(l.payloads)
			}
		} else {
			l.idle = 0
		}

		if err := l.adapter.sleep(ctx, cfg.IterationPause); err != nil {
			return crawler.Faulted(l.payloads, err)
		}
	}
	l.log.Warn("iteration limit reached", zap.Int("max_iterations", cfg.MaxIterations))
	return crawler.Exhausted(l.payloads)
}

// loadMore clicks the review list and presses End so the page requests the next chunk.
func (l *scrollLoop) loadMore(ctx context.Context) {
	cfg := l.adapter.cfg
	if cfg.ScrollSelector != "" {
		if err := l.session.Interact(ctx, cfg.ScrollSelector, browser.ActionClick); err != nil {
			l.log.Debug("review list click failed", zap.Error(err))
		}
		if err := l.adapter.sleep(ctx, cfg.ClickWait); err != nil {
			return
		}
	}
	if cfg.EndKeySelector != "" {
		if err := l.session.Interact(ctx, cfg.EndKeySelector, browser.ActionPressEnd); err != nil {
			l.log.Debug("end key failed", zap.Error(err))
		}
	}
}

// consume parses new payloads into the batch and returns how many records were accepted.
func (l *scrollLoop) consume(ctx context.Context, captures []browser.Capture) (int, error) {
	accepted := 0
	for _, c := range captures {
		digest, err := l.adapter.hasher.Hash(c.Body)
		if err != nil {
			return accepted, fmt.Errorf("hash payload: %w", err)
		}
		if _, dup := l.seen[digest]; dup {
			continue
		}
		l.seen[digest] = struct{}{}
		l.payloads++
		l.record(ctx, c.Body)

		records, skipped, err := decodePayload(c.Body)
		if err != nil {
			metrics.ObserveFeedPage(string(crawler.SourceYandexMaps), "undecodable")
			l.log.Warn("intercepted payload undecodable", zap.String("url", c.URL), zap.Error(err))
			return accepted, fmt.Errorf("payload %s: %w", c.URL, err)
		}
		metrics.ObserveFeedPage(string(crawler.SourceYandexMaps), "ok")
		for _, s := range skipped {
			l.log.Warn("skipping malformed review", zap.Error(s))
		}
		for _, rec := range records {
			verdict, err := l.batch.Offer(ctx, rec)
			if err != nil {
				return accepted, err
			}
			switch verdict {
			case crawler.VerdictAccepted:
				accepted++
			case crawler.VerdictFrontier:
				return accepted, nil
			}
		}
	}
	return accepted, nil
}

func (l *scrollLoop) record(ctx context.Context, body []byte) {
	if l.adapter.archive == nil {
		return
	}
	if _, err := l.adapter.archive.Record(ctx, crawler.SourceYandexMaps, l.target.CompanyID, body); err != nil {
		l.log.Warn("archive payload failed", zap.Error(err))
	}
}
