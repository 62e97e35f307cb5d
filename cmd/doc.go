// Package cmd defines the reviewcrawler CLI.
//
// Architecture overview:
//   - serve: internal/api.Server exposes company CRUD, paged review listing and on-demand crawl
//     submission. Submitted crawls flow through a bounded in-memory queue to a fixed worker pool;
//     creating a company or changing one of its external ids queues a crawl of every source.
//     The scheduler crawls every company once per interval under a cluster lock (redis or
//     postgres ShedLock table) so only one instance runs a source at a time.
//   - crawl: runs one synchronous crawl for the given companies and prints the run report.
//   - migrate: applies the embedded Postgres schema.
//
// Each crawl opens one batch per source: the 2GIS adapter harvests an API key from the firm page's
// own traffic and pages the public reviews API; the Yandex adapter drives the reviews page in headless
// Chrome and intercepts the JSON the page fetches. Reviews newer than the company's frontier are
// persisted oldest first, deduplicated by (external id, source), and optionally published to Pub/Sub.
//
// Quick checklist:
//   - Configure env vars with the REVIEWS_ prefix (REVIEWS_DB_DSN, REVIEWS_REDIS_ADDR,
//     REVIEWS_LOCK_BACKEND, REVIEWS_PUBSUB_TOPIC_NAME, ...) or pass --config config.yaml.
//   - Run locally: go run . serve (in-memory stores, process-local lock).
package cmd
