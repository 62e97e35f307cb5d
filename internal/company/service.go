// Package company manages tracked companies and starts crawls when their
// external identifiers appear or change.
package company

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/dispatcher"
)

// ErrInvalid is returned for companies that fail validation.
var ErrInvalid = errors.New("invalid company")

// Store persists companies.
type Store interface {
	crawler.CompanyDirectory
	Create(ctx context.Context, c crawler.Company) (crawler.Company, error)
	Update(ctx context.Context, c crawler.Company) (crawler.Company, error)
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, query string) ([]crawler.Company, error)
}

// Trigger queues crawls of every source for one company.
type Trigger interface {
	TriggerAll(ctx context.Context, companyID int64) []*dispatcher.Ticket
}

// Service is the company CRUD facade used by the API.
type Service struct {
	store   Store
	trigger Trigger
	logger  *zap.Logger
}

// NewService constructs a Service. trigger may be nil to disable automatic crawls.
func NewService(store Store, trigger Trigger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, trigger: trigger, logger: logger.Named("company")}
}

// Create stores c and crawls it when it carries at least one external id.
func (s *Service) Create(ctx context.Context, c crawler.Company) (crawler.Company, error) {
	c, err := normalize(c)
	if err != nil {
		return crawler.Company{}, err
	}
	created, err := s.store.Create(ctx, c)
	if err != nil {
		return crawler.Company{}, fmt.Errorf("create company: %w", err)
	}
	s.logger.Info("company created", zap.Int64("company_id", created.ID), zap.String("name", created.Name))
	if len(created.ExternalIDs) > 0 {
		s.triggerAll(ctx, created.ID)
	}
	return created, nil
}

// Patch is a partial company update. Nil fields keep their stored values.
// A present ExternalIDs key sets that source's id; an empty value clears it.
type Patch struct {
	Name        *string
	Address     *string
	ExternalIDs map[crawler.Source]string
}

func (p Patch) apply(c crawler.Company) crawler.Company {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Address != nil {
		c.Address = *p.Address
	}
	if len(p.ExternalIDs) > 0 {
		ids := make(map[crawler.Source]string, len(c.ExternalIDs)+len(p.ExternalIDs))
		maps.Copy(ids, c.ExternalIDs)
		maps.Copy(ids, p.ExternalIDs)
		c.ExternalIDs = ids
	}
	return c
}

// Update merges p onto the stored company and crawls it only when an
// external id was added or replaced.
func (s *Service) Update(ctx context.Context, id int64, p Patch) (crawler.Company, error) {
	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return crawler.Company{}, fmt.Errorf("load company %d: %w", id, err)
	}
	c, err := normalize(p.apply(prev))
	if err != nil {
		return crawler.Company{}, err
	}
	updated, err := s.store.Update(ctx, c)
	if err != nil {
		return crawler.Company{}, fmt.Errorf("update company %d: %w", id, err)
	}
	if changed := changedSources(prev, updated); len(changed) > 0 {
		s.logger.Info("external ids changed", zap.Int64("company_id", updated.ID), zap.Stringers("sources", changed))
		s.triggerAll(ctx, updated.ID)
	}
	return updated, nil
}

// Get returns one company.
func (s *Service) Get(ctx context.Context, id int64) (crawler.Company, error) {
	return s.store.Get(ctx, id)
}

// List returns every company.
func (s *Service) List(ctx context.Context) ([]crawler.Company, error) {
	return s.store.List(ctx)
}

// Search finds companies by name or address fragment.
func (s *Service) Search(ctx context.Context, query string) ([]crawler.Company, error) {
	return s.store.Search(ctx, strings.TrimSpace(query))
}

// Delete removes a company.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete company %d: %w", id, err)
	}
	s.logger.Info("company deleted", zap.Int64("company_id", id))
	return nil
}

func (s *Service) triggerAll(ctx context.Context, id int64) {
	if s.trigger == nil {
		return
	}
	s.trigger.TriggerAll(ctx, id)
}

func normalize(c crawler.Company) (crawler.Company, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Address = strings.TrimSpace(c.Address)
	if c.Name == "" {
		return crawler.Company{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	ids := make(map[crawler.Source]string, len(c.ExternalIDs))
	for source := range c.ExternalIDs {
		if !source.Valid() {
			return crawler.Company{}, fmt.Errorf("%w: unknown source %q", ErrInvalid, source)
		}
		if id, ok := c.ExternalID(source); ok {
			ids[source] = id
		}
	}
	c.ExternalIDs = ids
	return c, nil
}

// changedSources lists sources whose external id was added or replaced.
func changedSources(prev, next crawler.Company) []crawler.Source {
	var out []crawler.Source
	for _, source := range crawler.Sources() {
		a, _ := prev.ExternalID(source)
		b, _ := next.ExternalID(source)
		if a != b && b != "" {
			out = append(out, source)
		}
	}
	return out
}
