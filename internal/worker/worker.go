package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	// ErrMixedGreenModes means device classes in one server resolved to
	// different modes.
	ErrMixedGreenModes = errors.New("worker: mixed green modes")
	ErrUnknownMode     = errors.New("worker: unknown green mode")
	ErrClosed          = errors.New("worker: closed")
	ErrPanic           = errors.New("worker: call panicked")
)

// Func is a unit of work routed through a Worker.
type Func func(ctx context.Context) (any, error)

// Worker executes device callbacks under one concurrency strategy.
//
// Execute blocks until fn finished and returns its result. A call made
// from inside a task of the same worker (ctx derived from the task's ctx)
// runs inline so nested dispatch cannot deadlock on the worker's own
// serialisation.
type Worker interface {
	Mode() Mode
	// Asynchronous reports whether calls leave the caller's goroutine.
	Asynchronous() bool
	Execute(ctx context.Context, fn Func) (any, error)
	// Run executes fn; with wait false it returns once fn is scheduled
	// and errors go to the worker's logger.
	Run(ctx context.Context, fn func(ctx context.Context) error, wait bool) error
	Close() error
}

// Logger is the logging surface the workers need.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

type options struct {
	poolSize int
	logger   Logger
}

// Option configures New.
type Option func(*options)

// WithPoolSize bounds the Futures pool. Values below 1 mean runtime.NumCPU().
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithLogger sets where background failures are reported.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New builds the worker for mode.
func New(mode Mode, opts ...Option) (Worker, error) {
	o := options{logger: noopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.poolSize < 1 {
		o.poolSize = runtime.NumCPU()
	}

	switch mode {
	case Synchronous:
		return newSynchronous(o), nil
	case Futures:
		return newFutures(o), nil
	case Gevent:
		return newGevent(o), nil
	case Asyncio:
		return newAsyncio(o), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMode, mode)
	}
}

type taskKey struct{}

// inTask reports whether ctx belongs to a task already running on w.
func inTask(ctx context.Context, w Worker) bool {
	owner, _ := ctx.Value(taskKey{}).(Worker)
	return owner == w
}

func taskContext(ctx context.Context, w Worker) context.Context {
	return context.WithValue(ctx, taskKey{}, w)
}

// call runs fn, turning a panic into ErrPanic.
func call(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func runFunc(fn func(ctx context.Context) error) Func {
	return func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}
}

type yielder interface {
	release()
	acquire(ctx context.Context) error
}

type yieldKey struct{}

// Yield lets other green tasks run when called from a Gevent task and is a
// plain scheduler hint otherwise.
func Yield(ctx context.Context) error {
	if y, ok := ctx.Value(yieldKey{}).(yielder); ok {
		y.release()
		runtime.Gosched()
		return y.acquire(ctx)
	}
	runtime.Gosched()
	return ctx.Err()
}

// Sleep waits for d or until ctx is done. Inside a Gevent task other
// tasks run meanwhile.
func Sleep(ctx context.Context, d time.Duration) error {
	y, green := ctx.Value(yieldKey{}).(yielder)
	if green {
		y.release()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	var err error
	select {
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if green {
		// Re-acquire even on cancellation; the task still owns the hub
		// until it returns. context.WithoutCancel keeps the wait alive.
		if aerr := y.acquire(context.WithoutCancel(ctx)); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}
