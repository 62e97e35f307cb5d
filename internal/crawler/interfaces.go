package crawler

import (
	"context"
	"io"
	"time"
)

// CompanyDirectory supplies tracked companies.
type CompanyDirectory interface {
	Get(ctx context.Context, id int64) (Company, error)
	List(ctx context.Context) ([]Company, error)
}

// ReviewLookup answers whether a review was already stored.
type ReviewLookup interface {
	ExistsByExternalID(ctx context.Context, externalID string, source Source) (bool, error)
}

// ReviewStore persists reviews. Save returns ErrPersistenceConflict on a duplicate
// (external id, source) pair. MostRecent returns ok=false when the company has no
// history for the source.
type ReviewStore interface {
	ReviewLookup
	MostRecent(ctx context.Context, companyID int64, source Source) (Review, bool, error)
	Save(ctx context.Context, review Review) (Review, error)
}

// Adapter translates one external feed into raw review records.
//
// Open prepares whatever the batch shares (a harvested credential for token feeds)
// and is called once per crawl with the first resolvable company as seed.
type Adapter interface {
	Source() Source
	Open(ctx context.Context, seed Target) (CompanyFetcher, error)
}

// CompanyFetcher streams one company's new records into the batch and reports why it stopped.
type CompanyFetcher interface {
	Fetch(ctx context.Context, target Target, batch *Batch) Outcome
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes review events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for on-demand crawls.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces ticket and lock owner IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// PayloadArchive keeps raw feed payloads for replay. Failures never affect a crawl.
type PayloadArchive interface {
	Record(ctx context.Context, source Source, companyID int64, body []byte) (string, error)
}
