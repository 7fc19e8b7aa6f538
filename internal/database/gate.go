package database

import (
	"context"
	"sync"
)

// taskGate admits one exclusive task at a time, in FIFO order.
//
// Release hands the gate directly to the longest waiting task, so a task
// that arrives while others wait never overtakes them. Close rejects every
// queued and future acquire with the given error; a task already holding
// the gate finishes normally.
//
// Thread-safety: All methods are safe for concurrent use.
type taskGate struct {
	mu      sync.Mutex
	held    bool
	waiters []chan error // each buffered, size 1
	err     error
}

func newTaskGate() *taskGate {
	return &taskGate{waiters: make([]chan error, 0, 8)}
}

// acquire blocks until the caller holds the gate, the gate is closed, or
// ctx is done. On a nil return the caller must call release.
func (g *taskGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return err
	}
	if !g.held {
		g.held = true
		g.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()

		// Already signalled: either handed the gate or rejected.
		if err := <-ch; err == nil {
			g.release()
		}
		return ctx.Err()
	}
}

// release passes the gate to the next waiter or marks it free.
func (g *taskGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) == 0 {
		g.held = false
		return
	}
	next := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	next <- nil
}

// close rejects all queued and future acquires with err. Idempotent; the
// first error wins.
func (g *taskGate) close(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return
	}
	g.err = err
	for _, w := range g.waiters {
		w <- err
	}
	g.waiters = nil
}

// pending returns the number of queued tasks, excluding the holder.
func (g *taskGate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
