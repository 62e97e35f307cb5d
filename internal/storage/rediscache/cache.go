// Package rediscache remembers stored review ids in Redis sets so repeated
// crawls can rule out duplicates without querying the database.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// DefaultPrefix namespaces the per-source sets.
const DefaultPrefix = "reviews:seen:"

// Store decorates a crawler.ReviewStore with a Redis seen-set per source.
// Redis failures fall back to the underlying store.
type Store struct {
	crawler.ReviewStore
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps next. ttl bounds how long a set lives after its last write; zero keeps it forever.
func New(next crawler.ReviewStore, client goredis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{ReviewStore: next, client: client, prefix: prefix, ttl: ttl, logger: logger.Named("rediscache")}
}

func (s *Store) key(source crawler.Source) string { return s.prefix + string(source) }

// ExistsByExternalID checks the seen-set first and caches positive answers from the store.
func (s *Store) ExistsByExternalID(ctx context.Context, externalID string, source crawler.Source) (bool, error) {
	hit, err := s.client.SIsMember(ctx, s.key(source), externalID).Result()
	if err != nil {
		s.logger.Warn("seen-set lookup failed", zap.String("source", string(source)), zap.Error(err))
	} else if hit {
		return true, nil
	}
	exists, err := s.ReviewStore.ExistsByExternalID(ctx, externalID, source)
	if err != nil {
		return false, err
	}
	if exists {
		s.remember(ctx, source, externalID)
	}
	return exists, nil
}

// Save stores the review and records its id. Conflicts are recorded too, since
// they prove the id is stored.
func (s *Store) Save(ctx context.Context, review crawler.Review) (crawler.Review, error) {
	saved, err := s.ReviewStore.Save(ctx, review)
	if err != nil {
		if errors.Is(err, crawler.ErrPersistenceConflict) {
			s.remember(ctx, review.Source, review.ExternalID)
		}
		return saved, err
	}
	s.remember(ctx, saved.Source, saved.ExternalID)
	return saved, nil
}

func (s *Store) remember(ctx context.Context, source crawler.Source, externalID string) {
	key := s.key(source)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, key, externalID)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("seen-set update failed", zap.String("key", key), zap.Error(fmt.Errorf("sadd: %w", err)))
	}
}
