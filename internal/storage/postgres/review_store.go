package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

const reviewColumns = `id, company_id, source, external_id, rating, text, author_name, published_at, image_urls`

// ReviewStore persists reviews; (external_id, source) is unique.
type ReviewStore struct {
	db DB
}

// NewReviewStore constructs a ReviewStore.
func NewReviewStore(db DB) *ReviewStore {
	return &ReviewStore{db: db}
}

// ExistsByExternalID implements crawler.ReviewLookup.
func (s *ReviewStore) ExistsByExternalID(ctx context.Context, externalID string, source crawler.Source) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reviews WHERE external_id = $1 AND source = $2)`,
		externalID, string(source),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check review %s: %w", externalID, err)
	}
	return exists, nil
}

// MostRecent returns the newest stored review for the company and source.
func (s *ReviewStore) MostRecent(ctx context.Context, companyID int64, source crawler.Source) (crawler.Review, bool, error) {
	r, err := scanReview(s.db.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE company_id = $1 AND source = $2
ORDER BY published_at DESC, id DESC LIMIT 1`,
		companyID, string(source),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Review{}, false, nil
		}
		return crawler.Review{}, false, fmt.Errorf("most recent review: %w", err)
	}
	return r, true, nil
}

// Save inserts review. A duplicate (external id, source) yields crawler.ErrPersistenceConflict.
func (s *ReviewStore) Save(ctx context.Context, review crawler.Review) (crawler.Review, error) {
	images := review.ImageURLs
	if images == nil {
		images = []string{}
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO reviews (company_id, source, external_id, rating, text, author_name, published_at, image_urls)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		review.CompanyID, string(review.Source), review.ExternalID, review.Rating,
		review.Text, review.AuthorName, review.PublishedAt, images,
	).Scan(&review.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return crawler.Review{}, fmt.Errorf("%s/%s: %w", review.Source, review.ExternalID, crawler.ErrPersistenceConflict)
		}
		return crawler.Review{}, fmt.Errorf("insert review: %w", err)
	}
	review.ImageURLs = images
	return review, nil
}

// List returns one page of reviews, newest first, and the total number of matches.
func (s *ReviewStore) List(ctx context.Context, filter crawler.ReviewFilter) ([]crawler.Review, int, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.CompanyIDs) > 0 {
		args = append(args, filter.CompanyIDs)
		where = append(where, fmt.Sprintf("company_id = ANY($%d)", len(args)))
	}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM reviews`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reviews: %w", err)
	}

	query := `SELECT ` + reviewColumns + ` FROM reviews` + clause + ` ORDER BY published_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Review, 0)
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate reviews: %w", err)
	}
	return out, total, nil
}

func scanReview(row pgx.Row) (crawler.Review, error) {
	var (
		r      crawler.Review
		source string
	)
	err := row.Scan(&r.ID, &r.CompanyID, &source, &r.ExternalID, &r.Rating, &r.Text, &r.AuthorName, &r.PublishedAt, &r.ImageURLs)
	if err != nil {
		return crawler.Review{}, err
	}
	r.Source = crawler.Source(source)
	r.PublishedAt = r.PublishedAt.UTC()
	return r, nil
}
