package worker

import "errors"

// Pool sentinel errors.
var (
	// ErrPoolNotStarted means Submit was called before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped means the pool has shut down.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted means Start was called twice.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull means the work queue is at capacity; the submission is
	// dropped, not queued.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor means the pool was constructed without a processor.
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout means workers were still busy when the stop deadline
	// passed.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
