// Package cmd defines the procurement-enricher command line.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, operation and
//     credential endpoints plus a websocket progress stream per operation.
//   - Dispatcher and queue: operations flow through a bounded in-memory queue
//     sized by worker.queue_depth and fan out to worker.pool_size workers.
//     Context cancellation stops workers cleanly on shutdown.
//   - Jobs: scrape pulls listing pages with Colly, categorize and
//     infer_location call Gemini through the credential pool with failover.
//   - Persistence and fanout: records, run history, events and credential
//     usage go to Postgres when database.dsn is set. Progress events are
//     batched by the hub and fanned out to the websocket broadcaster,
//     Prometheus, Pub/Sub, Postgres and the log.
//   - Maintenance: cron tasks archive finished operations to blob storage
//     (memory, local or GCS) and fail operations that stopped reporting.
//
// Configuration comes from a YAML file and ENRICHER_* environment variables
// (PORT is honored for the listen port).
package cmd
