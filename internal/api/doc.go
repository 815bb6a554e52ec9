// Package api hosts the ops HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pages and /v1/pages/{page_id} for tracked page state.
//   - GET /v1/pages/{page_id}/snapshots for the last-known entities of a page.
//   - POST /v1/pages/{page_id}/check to queue an immediate check.
//   - GET /v1/budget/{site_id} for month-to-date render usage.
package api
