package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllWork(t *testing.T) {
	pool := NewWorkerPool(4)
	var count atomic.Int32

	for i := 0; i < 20; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) {
			count.Add(1)
		})
		require.NoError(t, err)
	}
	pool.Wait()
	assert.Equal(t, int32(20), count.Load())
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	var active, peak atomic.Int32
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) {
			n := active.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			active.Add(-1)
		})
		require.NoError(t, err)
	}
	pool.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	block := make(chan struct{})
	err := pool.Submit(context.Background(), func(ctx context.Context) {
		<-block
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Submit(ctx, func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	pool.Shutdown()
}
