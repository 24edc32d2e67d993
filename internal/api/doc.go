// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs triggers a synchronous scrape and returns its outcome.
//   - POST /v1/probe reports whether the listing shows content newer than the
//     database without scraping the full range.
package api
