package retrieval

import (
	"context"
	"time"
)

// workerPool bounds the number of in-flight blocking provider calls.
// Callers submit a closure and await its completion through a channel,
// so a caller running inside a cooperative event loop never has its own
// scheduler blocked by the network call itself.
type workerPool struct {
	slots chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 4
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

// do runs fn on a pool slot under the given timeout and waits for the
// result. When the deadline expires first, the slot is released by the
// still-running goroutine once fn returns; the caller gets the context
// error immediately.
func (p *workerPool) do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)

	done := make(chan error, 1)
	go func() {
		defer func() { <-p.slots }()
		defer cancel()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return callCtx.Err()
	}
}
