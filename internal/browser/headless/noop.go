package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/review-crawler/internal/browser"
	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// Noop implements browser.Launcher but always fails to indicate that headless
// browsing is disabled in the current configuration.
type Noop struct{}

// NewNoop creates a new Noop launcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Acquire returns an acquisition error since this is a stub implementation.
func (Noop) Acquire(_ context.Context) (browser.Session, error) {
	return nil, fmt.Errorf("%w: headless browser disabled", crawler.ErrAcquisition)
}
