package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/queue"
)

func TestMemoryQueue_CoalescesSameJobID(t *testing.T) {
	q := queue.NewMemoryQueue(1, zap.NewNop())

	var mu sync.Mutex
	var payloads [][]byte
	done := make(chan struct{}, 1)
	q.RegisterHandler("test", func(ctx context.Context, job queue.Job) error {
		mu.Lock()
		payloads = append(payloads, job.Payload)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Start(ctx)

	require.NoError(t, q.Enqueue(ctx, "test", "job-1", []byte("first")))
	require.NoError(t, q.Enqueue(ctx, "test", "job-1", []byte("second")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	require.Equal(t, []byte("second"), payloads[0])
}

func TestMemoryQueue_StatsReflectWaitingAndCompleted(t *testing.T) {
	q := queue.NewMemoryQueue(1, zap.NewNop())

	release := make(chan struct{})
	q.RegisterHandler("test", func(ctx context.Context, job queue.Job) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	require.NoError(t, q.Enqueue(ctx, "test", "a", nil))
	require.NoError(t, q.Enqueue(ctx, "test", "b", nil))

	require.Eventually(t, func() bool {
		st := q.Stats("test")
		return st.Active == 1 && st.Waiting == 1
	}, time.Second, 10*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		st := q.Stats("test")
		return st.Completed == 2
	}, time.Second, 10*time.Millisecond)
}

func TestInlineQueue_RunsHandlerSynchronously(t *testing.T) {
	q := queue.NewInlineQueue()

	var ran bool
	q.RegisterHandler("test", func(ctx context.Context, job queue.Job) error {
		ran = true
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), "test", "job-1", []byte("x")))
	require.True(t, ran)

	st := q.Stats("test")
	require.Equal(t, 1, st.Completed)
}
