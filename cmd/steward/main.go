// Command steward is a guarded self-maintenance agent for a single git
// repository. It runs the test suite, asks an AI proposal service for minimal
// patches, applies them behind a path-policy gate, commits, deploys,
// health-checks and rolls back to the last known good revision on failure.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &rootOptions{}
	err := newRootCmd(opts).ExecuteContext(ctx)
	opts.close()
	if err != nil {
		stop()
		os.Exit(1)
	}
}
