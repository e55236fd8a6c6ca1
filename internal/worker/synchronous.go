package worker

import (
	"context"
	"sync"
)

// synchronousWorker runs calls on the caller's goroutine, one at a time.
type synchronousWorker struct {
	mu     sync.Mutex
	logger Logger
}

func newSynchronous(o options) *synchronousWorker {
	return &synchronousWorker{logger: o.logger}
}

func (w *synchronousWorker) Mode() Mode         { return Synchronous }
func (w *synchronousWorker) Asynchronous() bool { return false }

func (w *synchronousWorker) Execute(ctx context.Context, fn Func) (any, error) {
	if inTask(ctx, w) {
		return call(ctx, fn)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return call(taskContext(ctx, w), fn)
}

func (w *synchronousWorker) Run(ctx context.Context, fn func(ctx context.Context) error, wait bool) error {
	if wait {
		_, err := w.Execute(ctx, runFunc(fn))
		return err
	}
	go func() {
		if _, err := w.Execute(ctx, runFunc(fn)); err != nil {
			w.logger.Error("background task failed", "mode", Synchronous.String(), "error", err)
		}
	}()
	return nil
}

func (w *synchronousWorker) Close() error { return nil }
