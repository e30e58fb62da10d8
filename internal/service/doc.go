// Package service wires the event-aggregator components together and
// exposes them over HTTP.
//
// # Endpoints
//
//   - POST /api/publish - Publish a single event or a batch
//   - GET /api/events - List processed events, optionally ?topic=
//   - GET /api/stats - Throughput and duplication statistics
//   - POST /api/admin/clear - Wipe the dedup store (admin/test only)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (worker pool running)
//   - GET /metrics - Prometheus counters, when enabled in config
//
// The Service owns the lifecycle: Run starts the worker pool before
// serving traffic and shuts down by fencing publishes, draining the
// queue, and closing the store last.
package service
