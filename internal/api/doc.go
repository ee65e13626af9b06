// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the posting store.
//   - GET /metrics for Prometheus scraping.
//   - /v1/postings/... for intake, retries, manual content and field edits.
//
// Every /v1 request names its caller in the X-User-ID header.
package api
