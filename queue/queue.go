// Package queue is the C9 queue runtime: a named queue with enqueue/
// worker-loop semantics, job coalescing by jobId, and depth metrics
// (spec.md §4.9). Three backings are provided: an in-process coalescing
// queue for single-process deployments and tests, a Redis-backed queue,
// and an inline mode that runs the handler synchronously on the caller's
// task.
package queue

import (
	"context"
	"time"
)

// Handler processes one job's payload. A non-nil error marks the job
// failed; retries are not automatic at this layer (spec.md §4.9) — the
// domain worker (e.g. C5 reconciliation) decides whether to re-enqueue.
type Handler func(ctx context.Context, job Job) error

// Job is one unit of work pulled off a named queue.
type Job struct {
	ID         string
	QueueName  string
	Payload    []byte
	EnqueuedAt time.Time
	Attempt    int
}

// BackendStats is the depth/metrics snapshot spec.md §4.9 names.
type BackendStats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    bool
}

// Queue is a named job queue: callers enqueue payloads and register a
// handler; the queue drives the handler on its own worker loop (except
// in inline mode, where Enqueue itself runs the handler).
type Queue interface {
	// Enqueue submits payload under queueName with the given jobId.
	// Jobs sharing a jobId while still queued are coalesced: the second
	// Enqueue call adds no entry and replaces the queued entry's payload
	// with its own.
	Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error

	// RegisterHandler binds a Handler to queueName. Must be called
	// before Start for that queue's jobs to be processed.
	RegisterHandler(queueName string, handler Handler)

	// Start launches the worker loop(s); it returns once ctx is
	// cancelled and in-flight jobs have drained.
	Start(ctx context.Context) error

	// Stop requests the worker loop(s) to drain and exit.
	Stop()

	// Stats reports the current depth metrics for queueName.
	Stats(queueName string) BackendStats
}
