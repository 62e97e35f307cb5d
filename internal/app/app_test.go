package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/review-crawler/internal/config"
	"github.com/JakeFAU/review-crawler/internal/crawler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Archive.Backend = "memory"
	cfg.Server.Port = 0
	return cfg
}

func TestNewWiresInMemoryServices(t *testing.T) {
	t.Parallel()

	launcher := &browsertest.Launcher{Err: errors.New("chrome not installed")}
	a, err := New(context.Background(), testConfig(t), zap.NewNop(), WithLauncher(launcher))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	for _, source := range crawler.Sources() {
		require.Equal(t, source, a.engines[source].Source())
	}
	require.NoError(t, a.Migrate(context.Background()))

	req := httptest.NewRequest(http.MethodPost, "/v1/companies",
		bytes.NewBufferString(`{"name":"Bakery","two_gis_id":"70000001","yandex_id":"1010"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, len(crawler.Sources()), a.queue.Len(), "creating a company queues one crawl per source")

	report, err := a.Crawl(context.Background(), crawler.SourceTwoGIS, []int64{1})
	require.NoError(t, err)
	require.NotEmpty(t, report.Err, "a batch without a credential must not crawl")
	require.Empty(t, report.Companies)

	_, err = a.Crawl(context.Background(), crawler.Source("TRIPADVISOR"), []int64{1})
	require.Error(t, err)
}

func TestDisabledBrowserFailsCrawlsFast(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Browser.Enabled = false
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := httptest.NewRequest(http.MethodPost, "/v1/companies", bytes.NewBufferString(`{"name":"Cafe","yandex_id":"42"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	report, err := a.Crawl(context.Background(), crawler.SourceYandexMaps, []int64{1})
	require.NoError(t, err)
	require.Len(t, report.Companies, 1)
	require.Equal(t, crawler.StopFaulted, report.Companies[0].Stop)
	require.Contains(t, report.Companies[0].Err, "headless browser disabled")
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Lock.Backend = "zookeeper"
	_, err := New(context.Background(), cfg, zap.NewNop(), WithLauncher(&browsertest.Launcher{}))
	require.ErrorContains(t, err, "unknown lock backend")

	cfg = testConfig(t)
	cfg.Lock.Backend = "redis"
	_, err = New(context.Background(), cfg, zap.NewNop(), WithLauncher(&browsertest.Launcher{}))
	require.ErrorContains(t, err, "redis.addr")

	cfg = testConfig(t)
	cfg.Archive.Backend = "s3"
	_, err = New(context.Background(), cfg, zap.NewNop(), WithLauncher(&browsertest.Launcher{}))
	require.ErrorContains(t, err, "unknown archive backend")
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), zap.NewNop(), WithLauncher(&browsertest.Launcher{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
