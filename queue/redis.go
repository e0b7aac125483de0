package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/filestore"
)

// RedisQueue backs each named queue with a Redis list (FIFO) plus a
// per-queue set of pending jobIds for coalescing, and an "active" list
// jobs are moved to while a worker holds them, so a crash leaves the job
// on the active list rather than losing it (spec.md §4.9). RedisQueue has
// no method that moves such jobs back to the waiting list.
type RedisQueue struct {
	client *redis.Client
	log    *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	workers  int
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	counters   map[string]*redisCounters
	countersMu sync.Mutex
}

type redisCounters struct {
	completed int
	failed    int
}

// NewRedisQueue opens a client against addr.
func NewRedisQueue(ctx context.Context, addr, password string, workersPerQueue int, log *zap.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, filestore.ErrBackendUnavailable.Wrap(err)
	}
	if workersPerQueue < 1 {
		workersPerQueue = 1
	}
	return &RedisQueue{
		client:   client,
		log:      log,
		handlers: make(map[string]Handler),
		workers:  workersPerQueue,
		counters: make(map[string]*redisCounters),
	}, nil
}

func waitingKey(queueName string) string { return "queue:" + queueName + ":waiting" }
func pendingKey(queueName string) string { return "queue:" + queueName + ":pending-ids" }
func activeKey(queueName string) string  { return "queue:" + queueName + ":active" }
func payloadKey(queueName, jobID string) string {
	return "queue:" + queueName + ":payload:" + jobID
}

// RegisterHandler implements Queue.
func (q *RedisQueue) RegisterHandler(queueName string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = handler
}

// Enqueue pushes payload onto queueName's list, coalescing with any job
// already waiting under the same jobID by overwriting its payload
// in-place instead of pushing a duplicate list entry.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error {
	added, err := q.client.SAdd(ctx, pendingKey(queueName), jobID).Result()
	if err != nil {
		return filestore.ErrBackendUnavailable.Wrap(err)
	}
	if err := q.client.Set(ctx, payloadKey(queueName, jobID), payload, time.Hour).Err(); err != nil {
		return filestore.ErrBackendUnavailable.Wrap(err)
	}
	if added == 0 {
		// already waiting; payload overwritten above, list entry reused.
		return nil
	}
	if err := q.client.LPush(ctx, waitingKey(queueName), jobID).Err(); err != nil {
		return filestore.ErrBackendUnavailable.Wrap(err)
	}
	return nil
}

// Start launches workersPerQueue goroutines per registered queue name,
// each blocking on BRPOPLPUSH from waiting to active, and blocks until
// ctx is cancelled.
func (q *RedisQueue) Start(ctx context.Context) error {
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
func (q *RedisQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *RedisQueue) runWorker(ctx context.Context, queueName string) {
	defer q.wg.Done()
	handler := q.handlerFor(queueName)

	for {
		jobID, err := q.client.BRPopLPush(ctx, waitingKey(queueName), activeKey(queueName), time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.log.Error("queue: redis pop failed", zap.String("queue", queueName), zap.Error(err))
			continue
		}

		q.client.SRem(ctx, pendingKey(queueName), jobID)
		payload, err := q.client.Get(ctx, payloadKey(queueName, jobID)).Bytes()
		if err != nil {
			q.log.Error("queue: missing payload for job", zap.String("jobId", jobID), zap.Error(err))
			q.client.LRem(ctx, activeKey(queueName), 1, jobID)
			continue
		}

		jobErr := handler(ctx, Job{ID: jobID, QueueName: queueName, Payload: payload, EnqueuedAt: time.Now(), Attempt: 1})

		q.client.LRem(ctx, activeKey(queueName), 1, jobID)
		q.client.Del(ctx, payloadKey(queueName, jobID))

		q.countersMu.Lock()
		c := q.counter(queueName)
		if jobErr != nil {
			c.failed++
			q.log.Error("queue: job failed", zap.String("queue", queueName), zap.String("jobId", jobID), zap.Error(jobErr))
		} else {
			c.completed++
		}
		q.countersMu.Unlock()
	}
}

func (q *RedisQueue) counter(queueName string) *redisCounters {
	c, ok := q.counters[queueName]
	if !ok {
		c = &redisCounters{}
		q.counters[queueName] = c
	}
	return c
}

func (q *RedisQueue) handlerFor(queueName string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[queueName]
}

// Stats implements Queue. Waiting/Active are read live from Redis;
// Completed/Failed are process-local counters (a full accounting would
// require a shared counter key, left for operators to derive from logs).
func (q *RedisQueue) Stats(queueName string) BackendStats {
	ctx := context.Background()
	waiting, _ := q.client.LLen(ctx, waitingKey(queueName)).Result()
	active, _ := q.client.LLen(ctx, activeKey(queueName)).Result()

	q.countersMu.Lock()
	c := q.counter(queueName)
	completed, failed := c.completed, c.failed
	q.countersMu.Unlock()

	return BackendStats{
		Waiting:   int(waiting),
		Active:    int(active),
		Completed: completed,
		Failed:    failed,
	}
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
