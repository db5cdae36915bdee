// Package task defines the task record, its status enumeration, and the
// collaborator interfaces shared by the orchestration packages (store,
// admission, lifecycle, worker pool). It holds no I/O of its own.
package task
