// Package crawler defines the review model, the source adapter contract and the
// frontier/dedup batch shared by the sync engine and the two feed adapters.
package crawler
