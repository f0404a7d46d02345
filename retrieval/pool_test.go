package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsFunction(t *testing.T) {
	pool := newWorkerPool(2)

	ran := false
	err := pool.do(context.Background(), time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWorkerPoolPropagatesError(t *testing.T) {
	pool := newWorkerPool(1)

	want := errors.New("call failed")
	err := pool.do(context.Background(), time.Second, func(ctx context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestWorkerPoolTimeout(t *testing.T) {
	pool := newWorkerPool(1)

	start := time.Now()
	err := pool.do(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := newWorkerPool(2)

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.do(context.Background(), time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestWorkerPoolRespectsCallerCancellation(t *testing.T) {
	pool := newWorkerPool(1)

	// Occupy the only slot.
	release := make(chan struct{})
	go func() {
		_ = pool.do(context.Background(), time.Second, func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.do(ctx, time.Second, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}
