// Package worker routes device callbacks through one of four execution
// strategies, chosen once per server process.
//
//	Synchronous  caller's goroutine, serialised by a mutex
//	Futures      bounded goroutine pool (sourcegraph/conc)
//	Asyncio      single event-loop goroutine, FIFO
//	Gevent       goroutine per task, one hub token, cooperative Yield/Sleep
//
// Every device hook (init, delete, state, status, attribute and command
// methods) reaches user code through Worker.Execute. A server never mixes
// modes: ResolveMode fails with ErrMixedGreenModes before any device is
// created when its classes disagree.
//
// Usage:
//
//	mode, err := worker.ResolveMode(reqs, nil)
//	if err != nil {
//	    return err
//	}
//	w, err := worker.New(mode, worker.WithPoolSize(cfg.Server.Workers))
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//
//	v, err := w.Execute(ctx, func(ctx context.Context) (any, error) {
//	    return dev.ReadVoltage(), nil
//	})
package worker
