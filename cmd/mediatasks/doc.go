// Package main hosts the media task service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes download admission, task queries, metadata probes, file streaming, and
//     health/metrics endpoints. Requests are validated and handed to the admission layer.
//   - Admission & dedup: a URL maps to at most one task. Re-submitting a URL returns the existing task id; failed
//     tasks are reset to pending and rescheduled once, completed tasks are never downloaded again.
//   - Lifecycle & queue: the lifecycle controller owns every status transition and enqueues jobs onto a bounded
//     in-memory queue. When the queue is full the request either fails fast or waits up to queue.enqueue_timeout.
//   - Worker pool: pool.size workers pull jobs, wait on a per-host rate limiter, and run yt-dlp through go-ytdlp.
//     Extractions are never interrupted by request cancellation and survive shutdown until the drain deadline.
//   - Persistence & fanout: tasks live in SQLite (default), Postgres, or memory. Completed files can be archived to
//     local disk, memory, or GCS, and terminal lifecycle events are published to Pub/Sub when configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Tasks left pending by a restart are re-enqueued in the background after the listener opens when
//     download.recover_pending is set. Recovery waits for queue room and never fails a task.
//   - On SIGINT/SIGTERM the process drains HTTP, closes the queue, and waits for in-flight downloads up to
//     server.shutdown_timeout. Downloads still running then are abandoned and stay pending for the next start.
//
// Quick checklist:
//   - Configure env vars: MEDIATASK_SERVER_PORT, MEDIATASK_POOL_SIZE, MEDIATASK_QUEUE_DEPTH,
//     MEDIATASK_STORE_DRIVER (sqlite/postgres/memory), MEDIATASK_ARCHIVE_BACKEND, MEDIATASK_NOTIFY_BACKEND.
//   - Run locally: go run ./cmd/mediatasks -config config.yaml (or rely solely on env overrides).
package main
