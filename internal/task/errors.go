package task

import "errors"

var (
	// ErrNotFound indicates that no task matched the lookup.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not permitted.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrQueueFull is returned when the worker pool cannot accept more work.
	ErrQueueFull = errors.New("task queue full")
	// ErrQueueClosed is returned once the worker pool has shut down.
	ErrQueueClosed = errors.New("task queue closed")
	// ErrInvalidRequest marks malformed admission input.
	ErrInvalidRequest = errors.New("invalid request")
)
