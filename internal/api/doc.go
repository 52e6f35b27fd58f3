// Package api hosts the operator HTTP surface that runs alongside a sync.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for a JSON snapshot of the current run.
package api
