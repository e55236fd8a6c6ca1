// devicekit runs device servers and their tooling.
//
// Subcommands:
//
//	serve     run a device server from a database or a device list
//	context   run one device of a registered class without a database
//	discover  find the request port of a running server by pid
//	ior       decode an object reference
//	classes   list the registered device classes
//	version   print build information
//
// Configuration is read from configs/config.yaml, or DEVICEKIT_CONFIG, or
// --config. A missing default file falls back to built-in defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/devicekit/internal/testctx"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Child servers of a process-mode context re-execute this binary.
	testctx.RunChildIfRequested()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		cancel()
		os.Exit(1)
	}
}
