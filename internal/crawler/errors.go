package crawler

import "errors"

var (
	// ErrAcquisition means a browser session could not start or navigate.
	// It aborts only the affected company crawl.
	ErrAcquisition = errors.New("browser acquisition failed")
	// ErrCredentialNotFound means no access token was observed. It aborts the whole batch.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrTransientFetch means a page or response could not be fetched or parsed.
	ErrTransientFetch = errors.New("transient fetch failure")
	// ErrPersistenceConflict means the (external id, source) pair is already stored.
	ErrPersistenceConflict = errors.New("review already exists")
	// ErrCompanyNotFound is returned by directories for unknown ids.
	ErrCompanyNotFound = errors.New("company not found")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)
