package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPoolProcessesTasks(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 2, 10, "test", zap.NewNop().Sugar())
	require.NoError(t, wp.Start())
	defer wp.Stop()

	var processed atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		require.NoError(t, wp.Submit(func() {
			if processed.Add(1) == 5 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks not processed in time")
	}
	assert.Equal(t, int32(5), processed.Load())
}

func TestWorkerPoolSubmitBeforeStart(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 1, 1, "test", zap.NewNop().Sugar())
	err := wp.Submit(func() {})
	assert.ErrorIs(t, err, ErrWorkerPoolNotRunning)
}

func TestWorkerPoolQueueFull(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 1, 1, "test", zap.NewNop().Sugar())
	require.NoError(t, wp.Start())
	defer wp.Stop()

	block := make(chan struct{})
	defer close(block)

	// occupy the single worker, then fill the queue
	require.NoError(t, wp.Submit(func() { <-block }))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, wp.Submit(func() {}))

	err := wp.Submit(func() {})
	assert.ErrorIs(t, err, ErrWorkerPoolQueueFull)
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 1, 10, "test", zap.NewNop().Sugar())
	require.NoError(t, wp.Start())
	defer wp.Stop()

	require.NoError(t, wp.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, wp.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover from panic")
	}
}
