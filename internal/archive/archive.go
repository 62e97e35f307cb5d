// Package archive stores raw feed payloads in a blob store so crawls can be replayed.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

const contentType = "application/json"

// Recorder writes payloads under {prefix}/{source}/{company}/{yyyy-mm-dd}/{sha256}.json.
type Recorder struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
	prefix string
}

// New builds a Recorder.
func New(store crawler.BlobStore, hasher crawler.Hasher, clock crawler.Clock, prefix string) *Recorder {
	return &Recorder{
		store:  store,
		hasher: hasher,
		clock:  clock,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Record stores body and returns its URI. Identical payloads map to the same path.
func (r *Recorder) Record(ctx context.Context, source crawler.Source, companyID int64, body []byte) (string, error) {
	hash, err := r.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	path := r.path(source, companyID, hash)
	uri, err := r.store.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put payload %s: %w", path, err)
	}
	return uri, nil
}

func (r *Recorder) path(source crawler.Source, companyID int64, hash string) string {
	day := r.clock.Now().UTC().Format("2006-01-02")
	rel := fmt.Sprintf("%s/%d/%s/%s.json", strings.ToLower(string(source)), companyID, day, hash)
	if r.prefix == "" {
		return rel
	}
	return r.prefix + "/" + rel
}
