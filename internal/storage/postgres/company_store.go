package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

const companyColumns = `id, name, address, COALESCE(two_gis_id, ''), COALESCE(yandex_id, '')`

// CompanyStore persists tracked companies. External ids live in one column per source.
type CompanyStore struct {
	db DB
}

// NewCompanyStore constructs a CompanyStore.
func NewCompanyStore(db DB) *CompanyStore {
	return &CompanyStore{db: db}
}

// Create inserts c and returns it with its assigned id.
func (s *CompanyStore) Create(ctx context.Context, c crawler.Company) (crawler.Company, error) {
	twoGIS, _ := c.ExternalID(crawler.SourceTwoGIS)
	yandex, _ := c.ExternalID(crawler.SourceYandexMaps)
	err := s.db.QueryRow(ctx,
		`INSERT INTO companies (name, address, two_gis_id, yandex_id) VALUES ($1, $2, $3, $4) RETURNING id`,
		c.Name, c.Address, nullable(twoGIS), nullable(yandex),
	).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return crawler.Company{}, fmt.Errorf("insert company: %w", crawler.ErrPersistenceConflict)
		}
		return crawler.Company{}, fmt.Errorf("insert company: %w", err)
	}
	return withExternalIDs(c, twoGIS, yandex), nil
}

// Update replaces the stored company with c.
func (s *CompanyStore) Update(ctx context.Context, c crawler.Company) (crawler.Company, error) {
	twoGIS, _ := c.ExternalID(crawler.SourceTwoGIS)
	yandex, _ := c.ExternalID(crawler.SourceYandexMaps)
	tag, err := s.db.Exec(ctx,
		`UPDATE companies SET name = $2, address = $3, two_gis_id = $4, yandex_id = $5 WHERE id = $1`,
		c.ID, c.Name, c.Address, nullable(twoGIS), nullable(yandex),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return crawler.Company{}, fmt.Errorf("update company %d: %w", c.ID, crawler.ErrPersistenceConflict)
		}
		return crawler.Company{}, fmt.Errorf("update company %d: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.Company{}, fmt.Errorf("company %d: %w", c.ID, crawler.ErrCompanyNotFound)
	}
	return withExternalIDs(c, twoGIS, yandex), nil
}

// Delete removes the company and, by cascade, its reviews.
func (s *CompanyStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete company %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %d: %w", id, crawler.ErrCompanyNotFound)
	}
	return nil
}

// Get implements crawler.CompanyDirectory.
func (s *CompanyStore) Get(ctx context.Context, id int64) (crawler.Company, error) {
	c, err := scanCompany(s.db.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Company{}, fmt.Errorf("company %d: %w", id, crawler.ErrCompanyNotFound)
		}
		return crawler.Company{}, fmt.Errorf("get company %d: %w", id, err)
	}
	return c, nil
}

// List implements crawler.CompanyDirectory.
func (s *CompanyStore) List(ctx context.Context) ([]crawler.Company, error) {
	return s.query(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY id`)
}

// Search matches query case-insensitively against name and address.
func (s *CompanyStore) Search(ctx context.Context, query string) ([]crawler.Company, error) {
	return s.query(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE name ILIKE '%' || $1 || '%' OR address ILIKE '%' || $1 || '%' ORDER BY id`,
		query,
	)
}

func (s *CompanyStore) query(ctx context.Context, sql string, args ...any) ([]crawler.Company, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query companies: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Company, 0)
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate companies: %w", err)
	}
	return out, nil
}

func scanCompany(row pgx.Row) (crawler.Company, error) {
	var (
		c              crawler.Company
		twoGIS, yandex string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Address, &twoGIS, &yandex); err != nil {
		return crawler.Company{}, err
	}
	return withExternalIDs(c, twoGIS, yandex), nil
}

func withExternalIDs(c crawler.Company, twoGIS, yandex string) crawler.Company {
	c.ExternalIDs = make(map[crawler.Source]string, 2)
	if twoGIS != "" {
		c.ExternalIDs[crawler.SourceTwoGIS] = twoGIS
	}
	if yandex != "" {
		c.ExternalIDs[crawler.SourceYandexMaps] = yandex
	}
	return c
}
