// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /download and /batch_download admit work and return task ids.
//   - GET /task/{id}, POST /batch_tasks and GET /tasks poll task state.
//   - POST /task/{id}/retry resubmits a failed task; DELETE /tasks clears all.
//   - GET /download/{id}/file streams the file of a completed task.
//   - GET /info and /formats probe a URL without downloading.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
