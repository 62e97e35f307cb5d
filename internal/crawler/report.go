package crawler

import "time"

// StopReason explains why an adapter stopped producing records for a company.
type StopReason string

// Stop reasons.
const (
	StopFrontier  StopReason = "frontier"
	StopExhausted StopReason = "exhausted"
	StopFaulted   StopReason = "faulted"
)

// Outcome is returned by a CompanyFetcher once its loop ends.
type Outcome struct {
	Stop  StopReason
	Pages int
	Err   error
}

// Exhausted builds an outcome for a feed that ran out of history.
func Exhausted(pages int) Outcome { return Outcome{Stop: StopExhausted, Pages: pages} }

// FrontierReached builds an outcome for a feed that hit the stored frontier.
func FrontierReached(pages int) Outcome { return Outcome{Stop: StopFrontier, Pages: pages} }

// Faulted builds an outcome for a feed that ended on an error.
func Faulted(pages int, err error) Outcome { return Outcome{Stop: StopFaulted, Pages: pages, Err: err} }

// CompanyReport describes what one company crawl did.
type CompanyReport struct {
	CompanyID  int64      `json:"company_id"`
	ExternalID string     `json:"external_id,omitempty"`
	Skipped    string     `json:"skipped,omitempty"`
	Stop       StopReason `json:"stop,omitempty"`
	Pages      int        `json:"pages"`
	Accepted   int        `json:"accepted"`
	Persisted  int        `json:"persisted"`
	Conflicts  int        `json:"conflicts"`
	Failed     int        `json:"failed"`
	Err        string     `json:"error,omitempty"`
}

// RunReport is the observable result of one crawl invocation for a source.
type RunReport struct {
	Source    Source          `json:"source"`
	Started   time.Time       `json:"started_at"`
	Finished  time.Time       `json:"finished_at"`
	Companies []CompanyReport `json:"companies"`
	Err       string          `json:"error,omitempty"`
}

// Persisted sums the reviews stored across companies.
func (r RunReport) Persisted() int {
	total := 0
	for _, c := range r.Companies {
		total += c.Persisted
	}
	return total
}
