package worker

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

type result struct {
	value any
	err   error
}

// futuresWorker submits calls to a bounded pool and waits for them.
type futuresWorker struct {
	mu     sync.RWMutex
	pool   *pool.Pool
	closed bool
	logger Logger
}

func newFutures(o options) *futuresWorker {
	return &futuresWorker{
		pool:   pool.New().WithMaxGoroutines(o.poolSize),
		logger: o.logger,
	}
}

func (w *futuresWorker) Mode() Mode         { return Futures }
func (w *futuresWorker) Asynchronous() bool { return true }

func (w *futuresWorker) submit(ctx context.Context, fn Func) (<-chan result, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrClosed
	}
	done := make(chan result, 1)
	taskCtx := taskContext(ctx, w)
	w.pool.Go(func() {
		v, err := call(taskCtx, fn)
		done <- result{value: v, err: err}
	})
	return done, nil
}

func (w *futuresWorker) Execute(ctx context.Context, fn Func) (any, error) {
	if inTask(ctx, w) {
		return call(ctx, fn)
	}
	done, err := w.submit(ctx, fn)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *futuresWorker) Run(ctx context.Context, fn func(ctx context.Context) error, wait bool) error {
	if wait {
		_, err := w.Execute(ctx, runFunc(fn))
		return err
	}
	done, err := w.submit(ctx, runFunc(fn))
	if err != nil {
		return err
	}
	go func() {
		if r := <-done; r.err != nil {
			w.logger.Error("background task failed", "mode", Futures.String(), "error", r.err)
		}
	}()
	return nil
}

// Close waits for submitted calls to finish. Later calls fail with ErrClosed.
func (w *futuresWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.pool.Wait()
	return nil
}
