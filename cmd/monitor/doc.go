// Package main hosts the OEM monitor entrypoint.
//
// Architecture overview:
//   - Scheduling: tracked pages are seeded from the sites section of the config and checked on per-category
//     intervals that back off while nothing changes. The dispatcher plans due pages into a bounded in-memory queue
//     drained by a fixed worker pool.
//   - Page pipeline: each worker runs a cheap Colly fetch, hashes the normalized HTML, and only renders with
//     headless Chrome when the hash moved or the category always renders. Renders are charged against a
//     month-to-date budget held in memory or Redis.
//   - Extraction & change detection: captured XHR/fetch exchanges are classified, records are extracted by the
//     structured/site-rules/vendor/LLM cascade, and compared field by field against the stored snapshots in
//     memory or Postgres.
//   - Fanout: change events flow through the notify hub to the log, Prometheus, an NDJSON event log and an
//     optional Pub/Sub topic. Raw renders can be archived to local disk or GCS.
//
// Operational notes:
//   - Run as a service (default) or pass -once for a single batch pass, e.g. from a cron job.
//   - Health endpoints (/healthz, /readyz) and /metrics stay open; the /v1 routes honor auth.api_key.
//   - Every config key can be overridden with a MONITOR_ prefixed environment variable, for example
//     MONITOR_CRAWLER_WORKERS=8 or MONITOR_BUDGET_REDIS_ADDR=redis:6379.
//
// Quick checklist:
//   - Run locally: go run ./cmd/monitor -config config.yaml
//   - One pass: go run ./cmd/monitor -config config.yaml -once
package main
