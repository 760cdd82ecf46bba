package main

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

type rootOptions struct {
	configPath string
	verbosity  string
	trace      bool

	cleanups []func()
}

// close runs the cleanups registered while the command ran, latest first.
func (o *rootOptions) close() {
	for i := len(o.cleanups) - 1; i >= 0; i-- {
		o.cleanups[i]()
	}
	o.cleanups = nil
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steward",
		Short: "Guarded self-maintenance agent for a git repository",
		Long: `steward keeps a repository healthy without a human in the loop.

Every cycle validates the tree, asks the AI proposal service for minimal
unified diffs, applies them behind the patch safety gate, re-validates,
commits, pushes, deploys and health-checks. A failed health check restores
the last known good revision and redeploys it.

Cycle commands:
  once         Run one maintenance cycle
  nudge        Run an ad hoc cycle for a prompt
  propose      Store a suggestion for later review
  apply        Apply a stored proposal

Long-running:
  loop         Drain the queue and run maintenance on a schedule
  serve        Serve the HTTP trigger surface

Queue and state:
  enqueue      Add a prompt to the queue
  queue        Drain the queue once
  proposals    List stored proposals`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.trace {
				return nil
			}
			shutdown, err := setupTracing(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.cleanups = append(opts.cleanups, shutdown)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default: $CODEX_CONFIG, codex/config.yml, codex/config.example.yml)")
	cmd.PersistentFlags().StringVar(&opts.verbosity, "verbosity", "", "Console verbosity: quiet, normal, verbose, debug (overrides logging.verbosity)")
	cmd.PersistentFlags().BoolVar(&opts.trace, "trace", false, "Export cycle and stage spans to stderr")

	cmd.AddCommand(
		newOnceCmd(opts),
		newNudgeCmd(opts),
		newProposeCmd(opts),
		newApplyCmd(opts),
		newLoopCmd(opts),
		newServeCmd(opts),
		newEnqueueCmd(opts),
		newQueueCmd(opts),
		newProposalsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
