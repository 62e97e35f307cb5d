package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

type reviewKey struct {
	externalID string
	source     crawler.Source
}

// ReviewStore is an in-memory review store enforcing (external id, source) uniqueness.
type ReviewStore struct {
	mu      sync.RWMutex
	nextID  int64
	reviews []crawler.Review
	index   map[reviewKey]int
}

// NewReviewStore constructs a ReviewStore.
func NewReviewStore() *ReviewStore {
	return &ReviewStore{index: make(map[reviewKey]int)}
}

// ExistsByExternalID reports whether the review is stored.
func (s *ReviewStore) ExistsByExternalID(_ context.Context, externalID string, source crawler.Source) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[reviewKey{externalID, source}]
	return ok, nil
}

// MostRecent returns the newest review for the company and source.
func (s *ReviewStore) MostRecent(_ context.Context, companyID int64, source crawler.Source) (crawler.Review, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.Review
		found bool
	)
	for _, r := range s.reviews {
		if r.CompanyID != companyID || r.Source != source {
			continue
		}
		if !found || r.PublishedAt.After(best.PublishedAt) ||
			(r.PublishedAt.Equal(best.PublishedAt) && r.ID > best.ID) {
			best, found = r, true
		}
	}
	return cloneReview(best), found, nil
}

// Save stores review and assigns its id.
func (s *ReviewStore) Save(_ context.Context, review crawler.Review) (crawler.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reviewKey{review.ExternalID, review.Source}
	if _, ok := s.index[key]; ok {
		return crawler.Review{}, fmt.Errorf("%s/%s: %w", review.Source, review.ExternalID, crawler.ErrPersistenceConflict)
	}
	s.nextID++
	review.ID = s.nextID
	review = cloneReview(review)
	s.index[key] = len(s.reviews)
	s.reviews = append(s.reviews, review)
	return cloneReview(review), nil
}

// List returns one page of reviews, newest first, and the total number of matches.
func (s *ReviewStore) List(_ context.Context, filter crawler.ReviewFilter) ([]crawler.Review, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]crawler.Review, 0)
	for _, r := range s.reviews {
		if len(filter.CompanyIDs) > 0 && !slices.Contains(filter.CompanyIDs, r.CompanyID) {
			continue
		}
		if filter.Source != "" && r.Source != filter.Source {
			continue
		}
		matches = append(matches, r)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].PublishedAt.Equal(matches[j].PublishedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].PublishedAt.After(matches[j].PublishedAt)
	})
	total := len(matches)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	out := make([]crawler.Review, 0, end-start)
	for _, r := range matches[start:end] {
		out = append(out, cloneReview(r))
	}
	return out, total, nil
}

// All returns every stored review in insertion order.
func (s *ReviewStore) All() []crawler.Review {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Review, 0, len(s.reviews))
	for _, r := range s.reviews {
		out = append(out, cloneReview(r))
	}
	return out
}

func cloneReview(r crawler.Review) crawler.Review {
	r.ImageURLs = slices.Clone(r.ImageURLs)
	return r
}
