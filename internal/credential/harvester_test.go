package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/browser"
	"github.com/JakeFAU/review-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/review-crawler/internal/crawler"
)

const tokenURL = "https://public-api.reviews.2gis.com/2.0/branches/70000001/reviews?limit=12&key=6e7e1929-4ea9"

func testConfig() Config {
	return Config{
		SeedURLTemplate: "https://2gis.ru/spb/firm/%s/tab/reviews",
		ReadySelector:   "div[data-scroll='true']",
		Rule: browser.MustCompileRule(browser.RuleSpec{
			Name:       "twogis-token",
			Phase:      "request",
			URLPattern: `^https://public-api\.reviews\.2gis\.com/2\.0/branches/[^/]+/reviews`,
			Capture:    `key=([a-f0-9-]+)`,
		}),
		MaxAttempts:  5,
		PollInterval: 5 * time.Second,
	}
}

func newTestHarvester(t *testing.T, launcher browser.Launcher) (*Harvester, *[]time.Duration) {
	t.Helper()
	h, err := New(launcher, testConfig(), zap.NewNop())
	require.NoError(t, err)
	var sleeps []time.Duration
	h.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return h, &sleeps
}

func request(url string) browser.Capture {
	return browser.Capture{Phase: browser.PhaseRequest, Method: "GET", URL: url}
}

// TestHarvestFindsTokenOnLaterAttempt confirms polling continues until the token shows up.
func TestHarvestFindsTokenOnLaterAttempt(t *testing.T) {
	t.Parallel()

	launcher := &browsertest.Launcher{New: func() *browsertest.Session {
		return &browsertest.Session{Script: [][]browser.Capture{
			{request("https://2gis.ru/api/other")},
			{},
			{request(tokenURL)},
		}}
	}}
	h, sleeps := newTestHarvester(t, launcher)

	token, err := h.Harvest(context.Background(), "70000001")
	require.NoError(t, err)
	require.Equal(t, "6e7e1929-4ea9", token)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *sleeps)

	sessions := launcher.Acquired()
	require.Len(t, sessions, 1)
	require.Equal(t, 1, sessions[0].Releases())
	require.Equal(t, []string{"https://2gis.ru/spb/firm/70000001/tab/reviews"}, sessions[0].Navigations())
}

// TestHarvestNotFound verifies the bounded attempts and a single release.
func TestHarvestNotFound(t *testing.T) {
	t.Parallel()

	launcher := &browsertest.Launcher{}
	h, sleeps := newTestHarvester(t, launcher)

	_, err := h.Harvest(context.Background(), "70000001")
	require.ErrorIs(t, err, crawler.ErrCredentialNotFound)
	require.Len(t, *sleeps, 4)

	session := launcher.Acquired()[0]
	require.Equal(t, 5, session.Drains())
	require.Equal(t, 1, session.Releases())
}

// TestHarvestPollsAfterNavigationTimeout keeps polling when the ready selector never appears.
func TestHarvestPollsAfterNavigationTimeout(t *testing.T) {
	t.Parallel()

	launcher := &browsertest.Launcher{New: func() *browsertest.Session {
		return &browsertest.Session{
			NavigateErr: browser.ErrTimeout,
			Script:      [][]browser.Capture{{request(tokenURL)}},
		}
	}}
	h, _ := newTestHarvester(t, launcher)

	token, err := h.Harvest(context.Background(), "70000001")
	require.NoError(t, err)
	require.Equal(t, "6e7e1929-4ea9", token)
	require.Equal(t, 1, launcher.Acquired()[0].Releases())
}

// TestHarvestAcquisitionFailure surfaces launcher errors.
func TestHarvestAcquisitionFailure(t *testing.T) {
	t.Parallel()

	launcher := &browsertest.Launcher{Err: crawler.ErrAcquisition}
	h, _ := newTestHarvester(t, launcher)

	_, err := h.Harvest(context.Background(), "70000001")
	require.ErrorIs(t, err, crawler.ErrAcquisition)
}

// TestHarvestCanceledWhilePolling releases the session when the context ends.
func TestHarvestCanceledWhilePolling(t *testing.T) {
	t.Parallel()

	launcher := &browsertest.Launcher{}
	h, _ := newTestHarvester(t, launcher)
	h.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := h.Harvest(context.Background(), "70000001")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, crawler.ErrCredentialNotFound))
	require.Equal(t, 1, launcher.Acquired()[0].Releases())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, testConfig(), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Rule.Capture = nil
	_, err = New(&browsertest.Launcher{}, cfg, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.MaxAttempts = 0
	h, err := New(&browsertest.Launcher{}, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 5, h.cfg.MaxAttempts)
	require.Equal(t, 20*time.Second, h.cfg.NavTimeout)
}
