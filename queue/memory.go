package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryQueue is an in-process FIFO queue per queue name, with jobs
// sharing a jobId coalesced while still waiting (spec.md §4.9). A pool
// of worker goroutines per queue calls the registered Handler. Each job
// runs once: a handler error marks it failed, and a job is not retried.
// Queued jobs live only in memory and do not survive a process restart.
type MemoryQueue struct {
	log *zap.Logger

	mu       sync.Mutex
	queues   map[string]*memQueueState
	handlers map[string]Handler
	workers  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type memQueueState struct {
	order   *list.List // of *memJob, FIFO
	byID    map[string]*list.Element
	active  int
	done    int
	failed  int
	paused  bool
	cond    *sync.Cond
}

type memJob struct {
	id      string
	payload []byte
	enqAt   time.Time
}

// NewMemoryQueue returns a MemoryQueue that runs workersPerQueue
// concurrent handler invocations per registered queue name.
func NewMemoryQueue(workersPerQueue int, log *zap.Logger) *MemoryQueue {
	if workersPerQueue < 1 {
		workersPerQueue = 1
	}
	return &MemoryQueue{
		log:      log,
		queues:   make(map[string]*memQueueState),
		handlers: make(map[string]Handler),
		workers:  workersPerQueue,
	}
}

func (q *MemoryQueue) state(queueName string) *memQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.queues[queueName]
	if !ok {
		st = &memQueueState{order: list.New(), byID: make(map[string]*list.Element)}
		st.cond = sync.NewCond(&q.mu)
		q.queues[queueName] = st
	}
	return st
}

// RegisterHandler implements Queue.
func (q *MemoryQueue) RegisterHandler(queueName string, handler Handler) {
	q.mu.Lock()
	q.handlers[queueName] = handler
	q.mu.Unlock()
	q.state(queueName) // ensure state exists so Stats works pre-Start
}

// Enqueue adds a job, coalescing with any still-queued job sharing jobID.
func (q *MemoryQueue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error {
	st := q.state(queueName)

	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := st.byID[jobID]; ok {
		el.Value.(*memJob).payload = payload
		return nil
	}
	job := &memJob{id: jobID, payload: payload, enqAt: time.Now()}
	el := st.order.PushBack(job)
	st.byID[jobID] = el
	st.cond.Signal()
	return nil
}

// Start launches workersPerQueue goroutines for every currently
// registered queue name and blocks until ctx is cancelled, then drains.
func (q *MemoryQueue) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.mu.Lock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	q.mu.Unlock()

	for _, name := range names {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.runWorker(ctx, name)
		}
	}

	<-ctx.Done()
	q.wg.Wait()
	return nil
}

// Stop cancels the worker context; Start returns once workers drain.
func (q *MemoryQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *MemoryQueue) runWorker(ctx context.Context, queueName string) {
	defer q.wg.Done()
	st := q.state(queueName)
	handler := q.handlerFor(queueName)

	// wake the cond loop when ctx is cancelled, so a blocked Wait()
	// doesn't hold the worker past shutdown.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		st.cond.Broadcast()
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		for st.order.Len() == 0 && ctx.Err() == nil {
			st.cond.Wait()
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		front := st.order.Front()
		job := front.Value.(*memJob)
		st.order.Remove(front)
		delete(st.byID, job.id)
		st.active++
		q.mu.Unlock()

		err := handler(ctx, Job{ID: job.id, QueueName: queueName, Payload: job.payload, EnqueuedAt: job.enqAt, Attempt: 1})

		q.mu.Lock()
		st.active--
		if err != nil {
			st.failed++
			q.log.Error("queue: job failed", zap.String("queue", queueName), zap.String("jobId", job.id), zap.Error(err))
		} else {
			st.done++
		}
		q.mu.Unlock()
	}
}

func (q *MemoryQueue) handlerFor(queueName string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[queueName]
}

// Stats implements Queue.
func (q *MemoryQueue) Stats(queueName string) BackendStats {
	st := q.state(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	return BackendStats{
		Waiting:   st.order.Len(),
		Active:    st.active,
		Completed: st.done,
		Failed:    st.failed,
		Paused:    st.paused,
	}
}

var _ Queue = (*MemoryQueue)(nil)
