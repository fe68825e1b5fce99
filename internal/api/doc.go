// Package api hosts the relay HTTP server. Routes:
//   - POST /upload accepts multipart files, returns {"jobId"} and queues the
//     forward to the webhook.
//   - POST /callback/{jobId} stores the webhook's JSON result and releases
//     every poll waiting on it.
//   - GET /result/{jobId} returns the result, long-polling until it arrives
//     or relay.poll_timeout elapses (504).
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
