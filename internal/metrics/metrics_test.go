package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveCrawlRun("TWO_GIS", "ok")
	ObserveCompanyCrawl("TWO_GIS", "frontier")
	ObserveReviews("TWO_GIS", "persisted", 3)
	ObserveReviews("TWO_GIS", "conflict", 0)
	ObserveCredentialHarvest("found")
	ObserveSchedulerLock("crawl:TWO_GIS", "busy")

	if val := testutil.ToFloat64(crawlRunsTotal.WithLabelValues("TWO_GIS", "ok")); val != 1 {
		t.Errorf("Expected crawl runs to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(reviewsTotal.WithLabelValues("TWO_GIS", "persisted")); val != 3 {
		t.Errorf("Expected persisted reviews to be 3, got %f", val)
	}
	if val := testutil.ToFloat64(reviewsTotal.WithLabelValues("TWO_GIS", "conflict")); val != 0 {
		t.Errorf("Expected zero-sized observation to be ignored, got %f", val)
	}
	if val := testutil.ToFloat64(schedulerLocksTotal.WithLabelValues("crawl:TWO_GIS", "busy")); val != 1 {
		t.Errorf("Expected busy lock count to be 1, got %f", val)
	}
}

func TestBrowserSessionGauge(t *testing.T) {
	IncBrowserSessions()
	IncBrowserSessions()
	DecBrowserSessions()
	if val := testutil.ToFloat64(browserSessionsActive); val != 1 {
		t.Errorf("Expected one active session, got %f", val)
	}
	DecBrowserSessions()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
