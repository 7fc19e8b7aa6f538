package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskGate_FIFO(t *testing.T) {
	g := newTaskGate()
	require.NoError(t, g.acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.release()
		}()
		require.Eventually(t, func() bool { return g.pending() == i }, time.Second, time.Millisecond)
	}

	g.release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.NoError(t, g.acquire(context.Background()), "gate is free again")
}

func TestTaskGate_CloseRejectsQueuedAndFuture(t *testing.T) {
	g := newTaskGate()
	require.NoError(t, g.acquire(context.Background()))

	errStop := errors.New("stop")
	done := make(chan error, 1)
	go func() { done <- g.acquire(context.Background()) }()
	require.Eventually(t, func() bool { return g.pending() == 1 }, time.Second, time.Millisecond)

	g.close(errStop)
	assert.ErrorIs(t, <-done, errStop)
	assert.ErrorIs(t, g.acquire(context.Background()), errStop)

	g.close(errors.New("second"))
	assert.ErrorIs(t, g.acquire(context.Background()), errStop, "first close wins")

	// The holder still releases cleanly.
	g.release()
}

func TestTaskGate_ContextCancelLeavesQueue(t *testing.T) {
	g := newTaskGate()
	require.NoError(t, g.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.acquire(ctx) }()
	require.Eventually(t, func() bool { return g.pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, g.pending())

	g.release()
	assert.NoError(t, g.acquire(context.Background()))
}
