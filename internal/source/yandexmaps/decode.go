package yandexmaps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

var errMalformed = errors.New("malformed review")

type envelope struct {
	Data *struct {
		Reviews []json.RawMessage `json:"reviews"`
	} `json:"data"`
}

type apiReview struct {
	ReviewID    string  `json:"reviewId"`
	Rating      float64 `json:"rating"`
	Text        string  `json:"text"`
	UpdatedTime string  `json:"updatedTime"`
	Author      struct {
		Name string `json:"name"`
	} `json:"author"`
	Photos []struct {
		URLTemplate string `json:"urlTemplate"`
	} `json:"photos"`
}

// decodePayload parses a fetchReviews response body.
func decodePayload(body []byte) ([]crawler.RawReview, []error, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode payload: %w", crawler.ErrTransientFetch, err)
	}
	if env.Data == nil {
		return nil, nil, fmt.Errorf("%w: payload has no data section", crawler.ErrTransientFetch)
	}
	records := make([]crawler.RawReview, 0, len(env.Data.Reviews))
	var skipped []error
	for i, raw := range env.Data.Reviews {
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
	if strings.TrimSpace(r.ReviewID) == "" {
		return crawler.RawReview{}, fmt.Errorf("%w: missing reviewId", errMalformed)
	}
	published, err := time.Parse(time.RFC3339Nano, r.UpdatedTime)
	if err != nil {
		return crawler.RawReview{}, fmt.Errorf("%w: review %s time %q: %w", errMalformed, r.ReviewID, r.UpdatedTime, err)
	}
	images := make([]string, 0, len(r.Photos))
	for _, p := range r.Photos {
		if p.URLTemplate != "" {
			images = append(images, strings.ReplaceAll(p.URLTemplate, "{size}", "orig"))
		}
	}
	return crawler.RawReview{
		ExternalID:  r.ReviewID,
		Rating:      r.Rating,
		Text:        r.Text,
		AuthorName:  r.Author.Name,
		PublishedAt: published,
		ImageURLs:   images,
	}.Normalize(), nil
}
