// Package api hosts the HTTP control surface for a running crawl engine.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/engine for the engine's state and counters.
//   - POST /v1/engine/stop to begin a graceful drain.
//   - POST /v1/requests to schedule a request on the running engine.
package api
