// Package twogis pulls reviews from the 2GIS public reviews API using a key
// harvested from the firm page's own traffic.
package twogis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// Defaults for the public reviews endpoint.
const (
	DefaultAPITemplate = "https://public-api.reviews.2gis.com/2.0/branches/%s/reviews?limit=%d&offset=%d&key=%s"
	DefaultPageSize    = 50
	DefaultMaxPages    = 200
)

// TokenSource yields the API key shared by one crawl batch.
type TokenSource interface {
	Harvest(ctx context.Context, externalID string) (string, error)
}

// Pacer delays requests to keep within the feed's tolerance.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryPolicy decides whether a failed page request is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls pagination.
type Config struct {
	// APITemplate is formatted with branch id, page size, offset and key.
	APITemplate string
	PageSize    int
	// MaxPages guards against feeds that never run dry.
	MaxPages int
	Headers  map[string]string
	// Retry is optional; without it the first failed page faults the company.
	Retry RetryPolicy
}

// Adapter implements crawler.Adapter for 2GIS.
type Adapter struct {
	tokens  TokenSource
	fetcher crawler.Fetcher
	pacer   Pacer
	archive crawler.PayloadArchive
	cfg     Config
	logger  *zap.Logger
}

// New builds an Adapter. pacer and archive are optional.
func New(
	tokens TokenSource,
	fetcher crawler.Fetcher,
	pacer Pacer,
	archive crawler.PayloadArchive,
	cfg Config,
	logger *zap.Logger,
) *Adapter {
	if cfg.APITemplate == "" {
		cfg.APITemplate = DefaultAPITemplate
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{"Accept": "application/json"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		tokens:  tokens,
		fetcher: fetcher,
		pacer:   pacer,
		archive: archive,
		cfg:     cfg,
		logger:  logger.Named("twogis"),
	}
}

// Source implements crawler.Adapter.
func (a *Adapter) Source() crawler.Source { return crawler.SourceTwoGIS }

// Open harvests one key for the whole batch, seeded from the first company.
func (a *Adapter) Open(ctx context.Context, seed crawler.Target) (crawler.CompanyFetcher, error) {
	token, err := a.tokens.Harvest(ctx, seed.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("open 2gis batch: %w", err)
	}
	return &pager{Adapter: a, token: token}, nil
}

type pager struct {
	*Adapter
	token string
}

func (p *pager) pageURL(externalID string, offset int) string {
	return fmt.Sprintf(p.cfg.APITemplate,
		url.PathEscape(externalID), p.cfg.PageSize, offset, url.QueryEscape(p.token))
}

// Fetch walks the feed newest first until it runs dry, meets the frontier or fails.
func (p *pager) Fetch(ctx context.Context, target crawler.Target, batch *crawler.Batch) crawler.Outcome {
	log := p.logger.With(
		zap.Int64("company_id", target.CompanyID),
		zap.String("source", string(crawler.SourceTwoGIS)),
		zap.String("external_id", target.ExternalID),
	)
	for page := 0; page < p.cfg.MaxPages; page++ {
		offset := page * p.cfg.PageSize
		pageURL := p.pageURL(target.ExternalID, offset)
		if p.pacer != nil {
			if err := p.pacer.Wait(ctx, pageURL); err != nil {
				return crawler.Faulted(page, err)
			}
		}

		body, err := p.fetchPage(ctx, pageURL)
		if err != nil {
			metrics.ObserveFeedPage(string(crawler.SourceTwoGIS), "error")
			log.Warn("page fetch failed", zap.Int("offset", offset), zap.Error(err))
			return crawler.Faulted(page, fmt.Errorf("offset %d: %w", offset, err))
		}
		p.record(ctx, log, target.CompanyID, body)

		records, skipped, err := decodePage(body)
		if err != nil {
			metrics.ObserveFeedPage(string(crawler.SourceTwoGIS), "undecodable")
			log.Warn("page body undecodable", zap.Int("offset", offset), zap.Error(err))
			return crawler.Faulted(page+1, fmt.Errorf("offset %d: %w", offset, err))
		}
		metrics.ObserveFeedPage(string(crawler.SourceTwoGIS), "ok")
		for _, s := range skipped {
			log.Warn("skipping malformed review", zap.Int("offset", offset), zap.Error(s))
		}
		if len(records) == 0 {
			log.Debug("feed exhausted", zap.Int("offset", offset))
			return crawler.Exhausted(page + 1)
		}

		for _, rec := range records {
			verdict, err := batch.Offer(ctx, rec)
			if err != nil {
				return crawler.Faulted(page+1, err)
			}
			if verdict == crawler.VerdictFrontier {
				log.Debug("frontier reached", zap.String("frontier", batch.Frontier()), zap.Int("offset", offset))
				return crawler.FrontierReached(page + 1)
			}
		}
	}
	log.Warn("page limit reached", zap.Int("max_pages", p.cfg.MaxPages))
	return crawler.Exhausted(p.cfg.MaxPages)
}

func (p *pager) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, err := p.fetchOnce(ctx, pageURL)
		if err == nil || p.cfg.Retry == nil || !p.cfg.Retry.ShouldRetry(err, attempt) {
			return body, err
		}
		delay := p.cfg.Retry.Backoff(attempt)
		p.logger.Debug("retrying page", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *pager) fetchOnce(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Headers: p.cfg.Headers})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", crawler.ErrTransientFetch, err)
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, fmt.Errorf("%w: empty body (status %d)", crawler.ErrTransientFetch, resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *pager) record(ctx context.Context, log *zap.Logger, companyID int64, body []byte) {
	if p.archive == nil {
		return
	}
	if _, err := p.archive.Record(ctx, crawler.SourceTwoGIS, companyID, body); err != nil {
		log.Warn("archive payload failed", zap.Error(err))
	}
}

var errMalformed = errors.New("malformed review")
