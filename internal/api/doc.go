// Package api hosts the HTTP server and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/queue and /v1/recrawl to feed the crawl queue.
//   - GET /v1/documents, /v1/stats and /v1/policy to inspect what was
//     indexed and which rule applies to a URL.
package api
