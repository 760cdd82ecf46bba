package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/steward/pkg/config"
	"github.com/entrhq/steward/pkg/cycle"
	"github.com/entrhq/steward/pkg/loop"
	"github.com/entrhq/steward/pkg/queue"
	"github.com/entrhq/steward/pkg/server"
)

const shutdownGrace = 30 * time.Second

func newLoopCmd(opts *rootOptions) *cobra.Command {
	var interval, poll time.Duration
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Drain the queue every poll and run maintenance every interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if interval > 0 {
				a.cfg.Loop.Interval = config.Duration(interval)
			}
			if poll > 0 {
				a.cfg.Loop.QueuePoll = config.Duration(poll)
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			a.runLoop(ctx, g, orch)
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between maintenance cycles (default: loop.interval)")
	cmd.Flags().DurationVar(&poll, "queue-poll", 0, "Time between queue checks (default: loop.queue_poll)")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var withLoop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /nudge, /propose and /apply",
		Long: `serve exposes the HTTP trigger surface on server.addr (or :$CODEX_PORT).
When CODEX_SECRET is set every trigger must carry it in the X-Codex-Token
header. With --loop the scheduled loop runs in the same process; cycles from
both sources are serialized by the repository lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			srv := server.New(orch, server.Options{
				Addr:          a.cfg.Server.Addr,
				Secret:        a.cfg.Server.Secret,
				RatePerMinute: a.cfg.Server.RatePerMinute,
				Burst:         a.cfg.Server.Burst,
				MaxConns:      a.cfg.Server.MaxConns,
				Log:           a.log,
			})
			if a.cfg.Server.Secret == "" {
				a.log.Warningf("CODEX_SECRET is not set; triggers are unauthenticated")
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				a.log.Infof("Shutting down; waiting for running cycles")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			if withLoop {
				a.runLoop(ctx, g, orch)
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withLoop, "loop", false, "Also run the scheduled loop")
	return cmd
}

// runLoop recovers orphaned queue jobs, then starts the inbox watcher and
// the scheduler on g.
func (a *app) runLoop(ctx context.Context, g *errgroup.Group, orch *cycle.Orchestrator) {
	p := a.processor(orch)
	if n, err := p.Recover(); err != nil {
		a.log.Warningf("could not recover interrupted jobs: %v", err)
	} else if n > 0 {
		a.log.Warningf("archived %d interrupted job(s)", n)
	}

	wake := make(chan struct{}, 1)
	g.Go(func() error {
		if err := p.Watch(ctx, wake); err != nil && ctx.Err() == nil {
			a.log.Warningf("queue watcher stopped, relying on polling: %v", err)
		}
		return nil
	})

	l := &loop.Loop{
		Maintenance: orch.Maintenance,
		Drain:       drainTask(p),
		Interval:    a.cfg.Loop.Interval.Std(),
		Poll:        a.cfg.Loop.QueuePoll.Std(),
		Wake:        wake,
		Log:         a.log,
	}
	a.log.Infof("Loop started: maintenance every %s, queue every %s", l.Interval, l.Poll)
	g.Go(func() error { return l.Run(ctx) })
}

func drainTask(p *queue.Processor) loop.Task {
	return func(ctx context.Context) error {
		_, err := p.Drain(ctx)
		return err
	}
}
