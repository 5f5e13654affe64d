// Package api hosts the local control API. Notable routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the visible run state and the log tail.
//   - POST /v1/search and /v1/search/stop to drive the orchestrator.
//   - GET and DELETE /v1/profile for the saved profile.
package api
