// Package events carries task lifecycle events from the admission layer,
// workers, and lifecycle controller to pluggable sinks (logs, Prometheus,
// Pub/Sub notifications). Emission never blocks the caller.
package events
