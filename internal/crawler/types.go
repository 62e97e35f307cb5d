package crawler

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Source identifies one of the third-party review feeds.
type Source string

// Supported review sources.
const (
	SourceTwoGIS     Source = "TWO_GIS"
	SourceYandexMaps Source = "YANDEX_MAPS"
)

// MaxTextLength is the longest review text persisted, in characters.
const MaxTextLength = 65000

// MaxRating bounds the rating scale used by both feeds.
const MaxRating float64 = 5

// Sources lists every supported source in a stable order.
func Sources() []Source {
	return []Source{SourceTwoGIS, SourceYandexMaps}
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return s == SourceTwoGIS || s == SourceYandexMaps
}

func (s Source) String() string {
	return string(s)
}

// ParseSource accepts the canonical names plus the short aliases used in URLs and flags.
func ParseSource(raw string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "two_gis", "twogis", "2gis":
		return SourceTwoGIS, nil
	case "yandex_maps", "yandexmaps", "yandex":
		return SourceYandexMaps, nil
	default:
		return "", fmt.Errorf("unknown review source %q", raw)
	}
}

// Company is a tracked business with optional per-source identifiers.
type Company struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Address     string            `json:"address"`
	ExternalIDs map[Source]string `json:"external_ids,omitempty"`
}

// ExternalID returns the company's identifier on the given source, if configured.
func (c Company) ExternalID(source Source) (string, bool) {
	id := strings.TrimSpace(c.ExternalIDs[source])
	return id, id != ""
}

// RawReview is a review as decoded from a feed, before reconciliation with storage.
type RawReview struct {
	ExternalID  string    `json:"external_id"`
	Rating      float64   `json:"rating"`
	Text        string    `json:"text"`
	AuthorName  string    `json:"author_name"`
	PublishedAt time.Time `json:"published_at"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
}

// Normalize clamps the rating, truncates the text and converts the timestamp to UTC.
func (r RawReview) Normalize() RawReview {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.AuthorName = strings.TrimSpace(r.AuthorName)
	switch {
	case r.Rating < 0:
		r.Rating = 0
	case r.Rating > MaxRating:
		r.Rating = MaxRating
	}
	r.Text = truncate(r.Text, MaxTextLength)
	r.PublishedAt = r.PublishedAt.UTC()
	if len(r.ImageURLs) > 0 {
		urls := make([]string, 0, len(r.ImageURLs))
		for _, u := range r.ImageURLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		r.ImageURLs = urls
	}
	return r
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// Review is a persisted review linked to its company and source.
type Review struct {
	ID          int64     `json:"id"`
	CompanyID   int64     `json:"company_id"`
	Source      Source    `json:"source"`
	ExternalID  string    `json:"external_id"`
	Rating      float64   `json:"rating"`
	Text        string    `json:"text"`
	AuthorName  string    `json:"author_name"`
	PublishedAt time.Time `json:"published_at"`
	ImageURLs   []string  `json:"image_urls"`
}

// NewReview links a normalized raw record to its company and source.
func NewReview(companyID int64, source Source, raw RawReview) Review {
	raw = raw.Normalize()
	return Review{
		CompanyID:   companyID,
		Source:      source,
		ExternalID:  raw.ExternalID,
		Rating:      raw.Rating,
		Text:        raw.Text,
		AuthorName:  raw.AuthorName,
		PublishedAt: raw.PublishedAt,
		ImageURLs:   raw.ImageURLs,
	}
}

// ReviewFilter selects a page of stored reviews.
type ReviewFilter struct {
	CompanyIDs []int64
	Source     Source
	Limit      int
	Offset     int
}

// Target is the company identity handed to a source adapter.
type Target struct {
	CompanyID  int64
	ExternalID string
}

// FetchRequest captures everything needed to fetch one feed page over HTTP.
type FetchRequest struct {
	URL     string
	Headers map[string]string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// QueueItem is one on-demand crawl waiting for a worker.
type QueueItem struct {
	TicketID   string
	Source     Source
	CompanyIDs []int64
	Submitted  time.Time
}
