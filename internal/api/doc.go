// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl/{source} to queue an on-demand crawl.
//   - /v1/companies for company CRUD and search.
//   - GET /v1/reviews for paged review listings.
package api
