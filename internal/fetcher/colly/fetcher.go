// Package collyfetcher fetches JSON feed pages with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps the bytes read per response. Zero keeps colly's default.
	MaxBodySize int
}

// StatusError reports a feed response outside the 2xx range.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.Code)
}

// Retryable reports whether another attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Fetcher implements crawler.Fetcher on top of a colly collector.
type Fetcher struct {
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{base: c}
}

// Fetch GETs one page. Request headers override the JSON Accept default.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	c := f.base.Clone()
	c.Context = ctx
	start := time.Now()

	var (
		resp    crawler.FetchResponse
		failure error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		for key, value := range request.Headers {
			r.Headers.Set(key, value)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		resp = toResponse(r, request.URL, start)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp = toResponse(r, request.URL, start)
		}
		failure = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	case err := <-done:
		if resp.StatusCode >= http.StatusMultipleChoices {
			return resp, &StatusError{URL: request.URL, Code: resp.StatusCode}
		}
		if err == nil {
			err = failure
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctxErr)
			}
			return resp, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		return resp, nil
	}
}

func toResponse(r *colly.Response, fallbackURL string, start time.Time) crawler.FetchResponse {
	u := fallbackURL
	if r.Request != nil && r.Request.URL != nil {
		u = r.Request.URL.String()
	}
	return crawler.FetchResponse{
		URL:        u,
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
