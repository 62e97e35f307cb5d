package twogis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

type envelope struct {
	Reviews []json.RawMessage `json:"reviews"`
}

type apiReview struct {
	ID          flexString `json:"id"`
	Rating      float64    `json:"rating"`
	Text        string     `json:"text"`
	DateCreated string     `json:"date_created"`
	User        struct {
		Name string `json:"name"`
	} `json:"user"`
	Photos []struct {
		PreviewURLs struct {
			URL string `json:"url"`
		} `json:"preview_urls"`
	} `json:"photos"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// decodePage parses one API page. Records that fail to decode are returned as
// errors in skipped; an undecodable envelope is an ErrTransientFetch.
func decodePage(body []byte) ([]crawler.RawReview, []error, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode page: %w", crawler.ErrTransientFetch, err)
	}
	records := make([]crawler.RawReview, 0, len(env.Reviews))
	var skipped []error
	for i, raw := range env.Reviews {
		rec, err := decodeReview(raw)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("review %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func decodeReview(raw json.RawMessage) (crawler.RawReview, error) {
	var r apiReview
	if err := json.Unmarshal(raw, &r); err != nil {
		return crawler.RawReview{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	id := strings.TrimSpace(string(r.ID))
	if id == "" {
		return crawler.RawReview{}, fmt.Errorf("%w: missing id", errMalformed)
	}
	published, err := time.Parse(time.RFC3339Nano, r.DateCreated)
	if err != nil {
		return crawler.RawReview{}, fmt.Errorf("%w: review %s date %q: %w", errMalformed, id, r.DateCreated, err)
	}
	images := make([]string, 0, len(r.Photos))
	for _, p := range r.Photos {
		if p.PreviewURLs.URL != "" {
			images = append(images, p.PreviewURLs.URL)
		}
	}
	return crawler.RawReview{
		ExternalID:  id,
		Rating:      r.Rating,
		Text:        r.Text,
		AuthorName:  r.User.Name,
		PublishedAt: published,
		ImageURLs:   images,
	}.Normalize(), nil
}
