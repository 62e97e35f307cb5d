package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// CompanyStore is an in-memory company directory.
type CompanyStore struct {
	mu        sync.RWMutex
	nextID    int64
	companies map[int64]crawler.Company
}

// NewCompanyStore constructs a CompanyStore.
func NewCompanyStore() *CompanyStore {
	return &CompanyStore{companies: make(map[int64]crawler.Company)}
}

// Create assigns an id and stores the company.
func (s *CompanyStore) Create(_ context.Context, c crawler.Company) (crawler.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkExternalIDs(c); err != nil {
		return crawler.Company{}, err
	}
	s.nextID++
	c.ID = s.nextID
	c.ExternalIDs = maps.Clone(c.ExternalIDs)
	s.companies[c.ID] = c
	return cloneCompany(c), nil
}

// Update replaces an existing company.
func (s *CompanyStore) Update(_ context.Context, c crawler.Company) (crawler.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[c.ID]; !ok {
		return crawler.Company{}, fmt.Errorf("company %d: %w", c.ID, crawler.ErrCompanyNotFound)
	}
	if err := s.checkExternalIDs(c); err != nil {
		return crawler.Company{}, err
	}
	c.ExternalIDs = maps.Clone(c.ExternalIDs)
	s.companies[c.ID] = c
	return cloneCompany(c), nil
}

// Delete removes a company.
func (s *CompanyStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[id]; !ok {
		return fmt.Errorf("company %d: %w", id, crawler.ErrCompanyNotFound)
	}
	delete(s.companies, id)
	return nil
}

// Get fetches a company by id.
func (s *CompanyStore) Get(_ context.Context, id int64) (crawler.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return crawler.Company{}, fmt.Errorf("company %d: %w", id, crawler.ErrCompanyNotFound)
	}
	return cloneCompany(c), nil
}

// List returns every company ordered by id.
func (s *CompanyStore) List(_ context.Context) ([]crawler.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.companies))
	out := make([]crawler.Company, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneCompany(s.companies[id]))
	}
	return out, nil
}

// Search matches the query case-insensitively against name and address.
func (s *CompanyStore) Search(ctx context.Context, query string) ([]crawler.Company, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]crawler.Company, 0)
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Address), q) {
			out = append(out, c)
		}
	}
	return out, nil
}

// checkExternalIDs enforces per-source uniqueness of external ids. Caller holds the lock.
func (s *CompanyStore) checkExternalIDs(c crawler.Company) error {
	for source := range c.ExternalIDs {
		id, ok := c.ExternalID(source)
		if !ok {
			continue
		}
		for _, other := range s.companies {
			if other.ID == c.ID {
				continue
			}
			if otherID, ok := other.ExternalID(source); ok && otherID == id {
				return fmt.Errorf("%s id %s already used by company %d: %w", source, id, other.ID, crawler.ErrPersistenceConflict)
			}
		}
	}
	return nil
}

func cloneCompany(c crawler.Company) crawler.Company {
	c.ExternalIDs = maps.Clone(c.ExternalIDs)
	return c
}
