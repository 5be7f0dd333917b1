// Package api hosts the operator HTTP server that runs alongside a crawl.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the progress of the current run.
//   - GET /v1/streams for the loaded catalog.
//   - GET /v1/failures for the failed-stream registry.
package api
