package crawler

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// Verdict is the batch's decision about one offered record.
type Verdict int

// Offer outcomes.
const (
	VerdictAccepted Verdict = iota
	VerdictDuplicate
	VerdictFrontier
	VerdictRejected
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictFrontier:
		return "frontier"
	default:
		return "rejected"
	}
}

// Batch accumulates the new records of one company crawl.
//
// Records arrive newest first. The first record whose external id equals the
// frontier closes the batch: it and every record offered after it are refused.
// A record already accepted, or already present in the store, is a duplicate.
// A Batch is owned by a single adapter loop and is not safe for concurrent use.
type Batch struct {
	source   Source
	frontier string
	lookup   ReviewLookup

	seen        map[string]struct{}
	accepted    []RawReview
	frontierHit bool
	relaxed     bool
}

// NewBatch creates a batch bounded by the given frontier (empty when the company has no history).
func NewBatch(source Source, frontier string, lookup ReviewLookup) *Batch {
	return &Batch{
		source:   source,
		frontier: frontier,
		lookup:   lookup,
		seen:     make(map[string]struct{}),
	}
}

// Source returns the feed the batch collects for.
func (b *Batch) Source() Source { return b.source }

// Frontier returns the external id the batch stops at.
func (b *Batch) Frontier() string { return b.frontier }

// FrontierReached reports whether the frontier record has been observed.
func (b *Batch) FrontierReached() bool { return b.frontierHit }

// Len returns the number of accepted records.
func (b *Batch) Len() int { return len(b.accepted) }

// Relax turns the frontier into an ordinary duplicate. Adapters call it when the
// feed order is known not to be newest first, so the frontier no longer bounds
// what is new.
func (b *Batch) Relax() { b.relaxed = true }

// Offer applies the frontier and dedup rules to rec. A non-nil error means the
// store lookup failed; the record is not accepted.
func (b *Batch) Offer(ctx context.Context, rec RawReview) (Verdict, error) {
	if b.frontierHit {
		return VerdictFrontier, nil
	}
	rec = rec.Normalize()
	if rec.ExternalID == "" {
		return VerdictRejected, nil
	}
	if b.frontier != "" && rec.ExternalID == b.frontier {
		if b.relaxed {
			return VerdictDuplicate, nil
		}
		b.frontierHit = true
		return VerdictFrontier, nil
	}
	if _, ok := b.seen[rec.ExternalID]; ok {
		return VerdictDuplicate, nil
	}
	if b.lookup != nil {
		exists, err := b.lookup.ExistsByExternalID(ctx, rec.ExternalID, b.source)
		if err != nil {
			return VerdictRejected, fmt.Errorf("check review %s: %w", rec.ExternalID, err)
		}
		if exists {
			b.seen[rec.ExternalID] = struct{}{}
			return VerdictDuplicate, nil
		}
	}
	b.seen[rec.ExternalID] = struct{}{}
	b.accepted = append(b.accepted, rec)
	return VerdictAccepted, nil
}

// Chronological returns the accepted records oldest first. Records with equal
// timestamps keep the reverse of their delivery order.
func (b *Batch) Chronological() []RawReview {
	out := slices.Clone(b.accepted)
	slices.Reverse(out)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out
}
