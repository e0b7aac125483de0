package sync2

import (
	"context"
	"sync"
)

// Fence is a one-shot gate: goroutines calling Wait block until Release
// is called (or the context is cancelled). No package in this module uses
// it outside its tests.
type Fence struct {
	initOnce sync.Once
	ch       chan struct{}
	closeOne sync.Once
}

func (f *Fence) init() {
	f.initOnce.Do(func() {
		f.ch = make(chan struct{})
	})
}

// Wait blocks until Release is called, returning true, or the context is
// cancelled, returning false.
func (f *Fence) Wait(ctx context.Context) bool {
	f.init()
	select {
	case <-f.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release opens the fence, unblocking every current and future Wait call.
// Safe to call more than once or concurrently.
func (f *Fence) Release() {
	f.init()
	f.closeOne.Do(func() {
		close(f.ch)
	})
}
