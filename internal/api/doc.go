// Package api hosts the HTTP server, middleware, and REST handlers that front
// the collection pipeline. Every /v1 response is a collector.Result envelope.
// Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - POST /v1/events to queue observed network events.
//   - POST /v1/artifacts/detected and POST /v1/crx for synchronous ingestion.
//   - GET /v1/artifacts, /v1/pages, /v1/crx and /v1/stats for queries.
//   - GET|PUT /v1/settings, POST /v1/cleanup and DELETE /v1/data for operators.
package api
