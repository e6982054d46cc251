// Package taskrunner runs groups of tasks with bounded concurrency. The
// initial replication uses it to fan snapshot batches out to workers.
package taskrunner

import (
	"context"
	"sync"
)

// Group runs tasks on at most maxConcurrency goroutines and remembers the
// first error. The first error also cancels the group context, so pending
// tasks can bail out early.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	sem chan struct{}
	wg  sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewGroup creates a Group whose tasks observe a context derived from ctx.
// maxConcurrency must be at least 1.
func NewGroup(ctx context.Context, maxConcurrency int) *Group {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	gctx, cancel := context.WithCancel(ctx)
	return &Group{
		ctx:    gctx,
		cancel: cancel,
		sem:    make(chan struct{}, maxConcurrency),
	}
}

// Go runs task on its own goroutine, blocking while maxConcurrency tasks
// are already running. After the group failed, Go returns without running
// the task.
func (g *Group) Go(task func(ctx context.Context) error) {
	select {
	case g.sem <- struct{}{}:
	case <-g.ctx.Done():
		return
	}

	// NOTE: Add before the goroutine starts so a concurrent Wait can't
	// slip past an empty WaitGroup.
	g.wg.Add(1)
	go func() {
		defer func() {
			<-g.sem
			g.wg.Done()
		}()
		if err := task(g.ctx); err != nil {
			g.fail(err)
		}
	}()
}

func (g *Group) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
	g.cancel()
}

// Wait blocks until all started tasks finish and returns the first error.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	return nil
}
