package worker

import (
	"context"
	"sync"
)

type loopTask struct {
	ctx  context.Context
	fn   Func
	done chan result
}

// asyncioWorker owns one loop goroutine that runs tasks to completion in
// submission order.
type asyncioWorker struct {
	tasks   chan loopTask
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  Logger
}

const loopQueueSize = 64

func newAsyncio(o options) *asyncioWorker {
	w := &asyncioWorker{
		tasks:   make(chan loopTask, loopQueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  o.logger,
	}
	go w.loop()
	return w
}

func (w *asyncioWorker) Mode() Mode         { return Asyncio }
func (w *asyncioWorker) Asynchronous() bool { return true }

func (w *asyncioWorker) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.quit:
			return
		case t := <-w.tasks:
			v, err := call(taskContext(t.ctx, w), t.fn)
			t.done <- result{value: v, err: err}
		}
	}
}

func (w *asyncioWorker) schedule(ctx context.Context, fn Func) (<-chan result, error) {
	t := loopTask{ctx: ctx, fn: fn, done: make(chan result, 1)}
	select {
	case <-w.quit:
		return nil, ErrClosed
	default:
	}
	select {
	case w.tasks <- t:
		return t.done, nil
	case <-w.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *asyncioWorker) Execute(ctx context.Context, fn Func) (any, error) {
	if inTask(ctx, w) {
		return call(ctx, fn)
	}
	done, err := w.schedule(ctx, fn)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-w.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *asyncioWorker) Run(ctx context.Context, fn func(ctx context.Context) error, wait bool) error {
	if wait {
		_, err := w.Execute(ctx, runFunc(fn))
		return err
	}
	done, err := w.schedule(ctx, runFunc(fn))
	if err != nil {
		return err
	}
	go func() {
		select {
		case r := <-done:
			if r.err != nil {
				w.logger.Error("background task failed", "mode", Asyncio.String(), "error", r.err)
			}
		case <-w.stopped:
		}
	}()
	return nil
}

// Close stops the loop after the running task. Queued tasks are dropped
// and their callers get ErrClosed.
func (w *asyncioWorker) Close() error {
	w.once.Do(func() { close(w.quit) })
	<-w.stopped
	return nil
}
