package worker

import (
	"context"
	"sync"
)

// geventWorker lets many tasks exist at once but only the holder of the hub
// token runs. A task gives the token up at Yield or Sleep.
type geventWorker struct {
	hub    chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger Logger
}

func newGevent(o options) *geventWorker {
	w := &geventWorker{hub: make(chan struct{}, 1), logger: o.logger}
	w.hub <- struct{}{}
	return w
}

func (w *geventWorker) Mode() Mode         { return Gevent }
func (w *geventWorker) Asynchronous() bool { return true }

func (w *geventWorker) acquire(ctx context.Context) error {
	select {
	case <-w.hub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *geventWorker) release() {
	w.hub <- struct{}{}
}

func (w *geventWorker) green(ctx context.Context, fn Func) (any, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()
	taskCtx := context.WithValue(taskContext(ctx, w), yieldKey{}, yielder(w))
	return call(taskCtx, fn)
}

func (w *geventWorker) Execute(ctx context.Context, fn Func) (any, error) {
	if inTask(ctx, w) {
		return call(ctx, fn)
	}
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil, ErrClosed
	}
	w.wg.Add(1)
	w.mu.RUnlock()
	defer w.wg.Done()

	return w.green(ctx, fn)
}

func (w *geventWorker) Run(ctx context.Context, fn func(ctx context.Context) error, wait bool) error {
	if wait {
		_, err := w.Execute(ctx, runFunc(fn))
		return err
	}
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	w.wg.Add(1)
	w.mu.RUnlock()

	go func() {
		defer w.wg.Done()
		if _, err := w.green(ctx, runFunc(fn)); err != nil {
			w.logger.Error("background task failed", "mode", Gevent.String(), "error", err)
		}
	}()
	return nil
}

// Close waits for running and spawned tasks.
func (w *geventWorker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}
