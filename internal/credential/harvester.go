// Package credential captures short-lived API tokens from ordinary page traffic.
package credential

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

// Config describes where the token-bearing call is triggered and how to recognise it.
type Config struct {
	// SeedURLTemplate is formatted with the external id, e.g. https://2gis.ru/spb/firm/%s/tab/reviews.
	SeedURLTemplate string
	ReadySelector   string
	Rule            browser.TrafficRule
	MaxAttempts     int
	PollInterval    time.Duration
	NavTimeout      time.Duration
}

// Harvester opens a browser session on a seed page and extracts a token from
// the requests the page issues.
type Harvester struct {
	launcher browser.Launcher
	cfg      Config
	sleep    func(context.Context, time.Duration) error
	logger   *zap.Logger
}

// New validates cfg and builds a Harvester.
func New(launcher browser.Launcher, cfg Config, logger *zap.Logger) (*Harvester, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	if cfg.SeedURLTemplate == "" {
		return nil, errors.New("seed url template is required")
	}
	if cfg.Rule.URLPattern == nil || cfg.Rule.Capture == nil {
		return nil, errors.New("credential rule needs a url pattern and a capture")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		launcher: launcher,
		cfg:      cfg,
		sleep:    browser.Pause,
		logger:   logger.Named("credential"),
	}, nil
}

// Harvest returns the first token observed while the seed page for externalID loads.
// It fails with crawler.ErrCredentialNotFound once every attempt is used up.
func (h *Harvester) Harvest(ctx context.Context, externalID string) (string, error) {
	log := h.logger.With(zap.String("external_id", externalID))

	session, err := h.launcher.Acquire(ctx)
	if err != nil {
		metrics.ObserveCredentialHarvest("error")
		return "", fmt.Errorf("harvest credential: %w", err)
	}
	defer session.Release()

	session.Observe(h.cfg.Rule)

	seed := fmt.Sprintf(h.cfg.SeedURLTemplate, externalID)
	navCtx, cancel := context.WithTimeout(ctx, h.cfg.NavTimeout)
	err = session.Navigate(navCtx, seed, h.cfg.ReadySelector)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			metrics.ObserveCredentialHarvest("error")
			return "", fmt.Errorf("harvest credential: %w", ctx.Err())
		}
		// The token call often fires before the ready selector appears.
		log.Warn("seed page not ready, polling captured traffic anyway", zap.String("url", seed), zap.Error(err))
	}

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		for _, c := range session.Drain() {
			if token, ok := h.cfg.Rule.Extract(c); ok {
				log.Info("credential captured", zap.Int("attempt", attempt))
				metrics.ObserveCredentialHarvest("found")
				return token, nil
			}
		}
		log.Debug("credential not captured yet", zap.Int("attempt", attempt), zap.Int("max_attempts", h.cfg.MaxAttempts))
		if attempt == h.cfg.MaxAttempts {
			break
		}
		if err := h.sleep(ctx, h.cfg.PollInterval); err != nil {
			metrics.ObserveCredentialHarvest("error")
			return "", fmt.Errorf("harvest credential: %w", err)
		}
	}

	metrics.ObserveCredentialHarvest("not_found")
	return "", fmt.Errorf("external id %s after %d attempts: %w", externalID, h.cfg.MaxAttempts, crawler.ErrCredentialNotFound)
}
