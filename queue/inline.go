package queue

import (
	"context"
	"sync"
	"time"
)

// InlineQueue runs each enqueued job's handler synchronously on the
// caller's goroutine, returning only once the handler completes (spec.md
// §4.9 "inline mode"). There is no coalescing and no worker loop: Start
// and Stop are no-ops. Used for tests and single-process deployments
// that don't need at-least-once delivery across restarts.
type InlineQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	stats    map[string]*BackendStats
}

// NewInlineQueue returns a ready-to-use InlineQueue.
func NewInlineQueue() *InlineQueue {
	return &InlineQueue{
		handlers: make(map[string]Handler),
		stats:    make(map[string]*BackendStats),
	}
}

// RegisterHandler implements Queue.
func (q *InlineQueue) RegisterHandler(queueName string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = handler
	if _, ok := q.stats[queueName]; !ok {
		q.stats[queueName] = &BackendStats{}
	}
}

// Enqueue runs queueName's registered handler immediately. If no handler
// is registered, the job is silently dropped after being counted as
// failed, matching the "at-most-one handler per queue" contract.
func (q *InlineQueue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error {
	q.mu.Lock()
	handler := q.handlers[queueName]
	st := q.statsLocked(queueName)
	st.Active++
	q.mu.Unlock()

	var err error
	if handler != nil {
		err = handler(ctx, Job{ID: jobID, QueueName: queueName, Payload: payload, EnqueuedAt: time.Now(), Attempt: 1})
	}

	q.mu.Lock()
	st.Active--
	if err != nil || handler == nil {
		st.Failed++
	} else {
		st.Completed++
	}
	q.mu.Unlock()

	return err
}

// Start is a no-op: InlineQueue has no background worker to run.
func (q *InlineQueue) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (q *InlineQueue) Stop() {}

// Stats implements Queue.
func (q *InlineQueue) Stats(queueName string) BackendStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.statsLocked(queueName)
}

func (q *InlineQueue) statsLocked(queueName string) *BackendStats {
	st, ok := q.stats[queueName]
	if !ok {
		st = &BackendStats{}
		q.stats[queueName] = st
	}
	return st
}

var _ Queue = (*InlineQueue)(nil)
