// Package api hosts the HTTP server, middleware, and REST handlers for the
// enrichment service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /operations/{kind} to start a job, GET /operations[/{id}] to read
//     snapshots, GET /operations/{id}/stream for websocket push.
//   - GET /operations/{id}/history and /events for the persisted audit trail.
//   - /credentials for administering the AI credential pool.
package api
