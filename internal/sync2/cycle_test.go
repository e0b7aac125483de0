package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corestratum/dataplatform/internal/sync2"
)

func TestCycle_TriggerWaitRunsImmediately(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)
	var runs int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = cycle.Start(ctx, func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
	}()

	cycle.TriggerWait()
	cycle.TriggerWait()
	require.EqualValues(t, 2, atomic.LoadInt32(&runs))

	cycle.Stop()
}

func TestCycle_PauseSkipsTimerTicks(t *testing.T) {
	cycle := sync2.NewCycle(5 * time.Millisecond)
	var runs int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = cycle.Start(ctx, func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
	}()

	cycle.Pause()
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&runs))

	cycle.Resume()
	cycle.TriggerWait()
	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(1))

	cycle.Stop()
}

func TestFence_ReleaseUnblocksWaiters(t *testing.T) {
	var fence sync2.Fence
	done := make(chan bool, 1)

	go func() {
		done <- fence.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	fence.Release()
	require.True(t, <-done)
}

func TestFence_ContextCancelUnblocksWaiter(t *testing.T) {
	var fence sync2.Fence
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		done <- fence.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.False(t, <-done)
}
