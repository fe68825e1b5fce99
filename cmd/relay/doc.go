// Package main hosts the upload relay entrypoint.
//
// Architecture overview:
//   - Relay mode (mode=relay): internal/api.Server accepts multipart uploads on POST /upload, assigns a job ID and
//     answers immediately. The files are queued on a bounded in-memory queue sized by relay.queue_depth and a fixed
//     worker pool (relay.forward_concurrency) posts them, with the job ID, to relay.webhook_url. The external
//     processor later posts its result to POST /callback/{jobId}; GET /result/{jobId} long-polls until that result
//     arrives or relay.poll_timeout passes.
//   - Result broker: internal/relay.Broker stores results (memory, Postgres or Redis) and wakes every poll waiting on
//     the job. Results outlive the poll that read them and are evicted after relay.result_ttl. A failed forward
//     resolves the job with a failure payload so pollers get 502 instead of waiting out the timeout.
//   - Proxy mode (mode=proxy): internal/proxy.Server forwards every request to proxy.target_base_url plus
//     proxy.target_path and copies the upstream answer back, except POST /response which is acknowledged locally.
//   - Side channels: uploads can be archived to memory, local disk or GCS; lifecycle events are batched to a log
//     sink, Prometheus, the job history store and optionally Pub/Sub or RabbitMQ; traces go to Cloud Trace when
//     telemetry is enabled.
//   - Job history: GET /jobs and GET /jobs/{jobId} list job runs built from lifecycle events, kept in Postgres
//     with the postgres store backend and in memory otherwise.
//   - Throttling: relay.upload_rate_limit caps uploads per client with token buckets; excess uploads get 429.
//
// Operational notes:
//   - Both modes expose /healthz, /readyz and /metrics locally. /readyz turns 503 as soon as shutdown begins.
//   - On SIGINT/SIGTERM the server stops accepting requests, the queue is closed and drained by the workers until
//     server.shutdown_timeout, then stores and clients are closed.
//   - The HTTP server has no write timeout because result polls are held open; every other route is bounded by
//     server.request_timeout.
//
// Quick checklist:
//   - Configure env vars: RELAY_MODE, RELAY_RELAY_WEBHOOK_URL (relay mode), RELAY_PROXY_TARGET_BASE_URL (proxy
//     mode), RELAY_SERVER_PORT or PORT, RELAY_STORE_BACKEND with its DSN/URL for shared result stores.
//   - Run locally: go run ./cmd/relay -config config.yaml (or rely solely on env overrides).
package main
