package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/entrhq/steward/pkg/config"
	"github.com/entrhq/steward/pkg/cycle"
	"github.com/entrhq/steward/pkg/health"
	"github.com/entrhq/steward/pkg/lastgood"
	"github.com/entrhq/steward/pkg/lock"
	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/patchgate"
	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/proposals"
	"github.com/entrhq/steward/pkg/queue"
	"github.com/entrhq/steward/pkg/runner"
	"github.com/entrhq/steward/pkg/state"
	"github.com/entrhq/steward/pkg/vcs"
)

// app is the configuration, logger and state layout every command shares.
// The orchestrator is built on demand since it may need AI credentials.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	repoRoot string
	layout   state.Layout
	store    *proposals.Store
}

func loadApp(opts *rootOptions) (*app, error) {
	path, err := config.Resolve(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	verbosity := cfg.Logging.Verbosity
	if opts.verbosity != "" {
		if !logging.ValidLevel(opts.verbosity) {
			return nil, fmt.Errorf("invalid --verbosity %q (must be quiet, normal, verbose or debug)", opts.verbosity)
		}
		verbosity = opts.verbosity
	}
	log := logging.New("steward", logging.ParseLevel(verbosity))
	opts.cleanups = append(opts.cleanups, func() { _ = log.Close() })

	if cfg.Logging.File {
		dir := cfg.Logging.Dir
		if dir == "" {
			if dir, err = logging.DefaultLogDir(); err != nil {
				log.Warningf("file logging disabled: %v", err)
			}
		}
		if dir != "" {
			if p := log.AttachSessionFile(dir); p != "" {
				log.Verbosef("Session log: %s", p)
			}
		}
	}
	if path == "" {
		log.Warningf("no config file found; using defaults")
	} else {
		log.Debugf("Loaded config from %s", path)
	}

	root, err := cfg.AbsRepoRoot()
	if err != nil {
		return nil, fmt.Errorf("resolve repo_root: %w", err)
	}
	layout := state.New(root, cfg.StateDir)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		repoRoot: root,
		layout:   layout,
		store:    proposals.NewStore(layout.ProposalsDir()),
	}, nil
}

func (a *app) proposer() (proposal.Proposer, error) {
	log := a.log.With("ai")
	switch a.cfg.AI.Backend {
	case config.BackendOpenAI:
		return proposal.NewOpenAI(a.cfg.AI.APIKey,
			proposal.WithModel(a.cfg.AI.Model),
			proposal.WithBaseURL(a.cfg.AI.BaseURL),
			proposal.WithOpenAIRetry(a.cfg.Retry()),
			proposal.WithOpenAILogger(log),
		)
	default:
		return proposal.NewClient(a.cfg.AIURL,
			proposal.WithPath(a.cfg.AI.Path),
			proposal.WithHTTPClient(&http.Client{Timeout: a.cfg.AI.Timeout.Std()}),
			proposal.WithRetry(a.cfg.Retry()),
			proposal.WithLogger(log),
		), nil
	}
}

func (a *app) orchestrator() (*cycle.Orchestrator, error) {
	cfg := a.cfg
	run := runner.NewExecRunner()

	gitOpts := []vcs.Option{vcs.WithAuthor(cfg.Git.AuthorName, cfg.Git.AuthorEmail)}
	if rel, err := filepath.Rel(a.repoRoot, a.layout.Root); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		gitOpts = append(gitOpts, vcs.WithKeep("/"+filepath.ToSlash(rel)+"/"))
	}
	if cfg.Git.Timeout > 0 {
		gitOpts = append(gitOpts, vcs.WithTimeout(cfg.Git.Timeout.Std()))
	}
	repo := vcs.NewGit(a.repoRoot, run, gitOpts...)

	gate, err := patchgate.New(cfg.Policy(), repo, a.layout.Root, a.log.With("patchgate"))
	if err != nil {
		return nil, err
	}
	ai, err := a.proposer()
	if err != nil {
		return nil, err
	}

	var checker cycle.HealthChecker
	if cfg.Health.URL != "" {
		checker = &health.Prober{
			URL:     cfg.Health.URL,
			Retries: cfg.Health.Retries,
			Timeout: cfg.Health.Timeout.Std(),
			Delay:   cfg.Health.Delay.Std(),
			Log:     a.log.With("health"),
		}
	}

	return cycle.New(cycle.Settings{
		RepoRoot:         a.repoRoot,
		Tests:            cfg.Tests.Runner(a.repoRoot),
		Lint:             cfg.Lint.Runner(a.repoRoot),
		Deploy:           cfg.Deploy.Runner(a.repoRoot),
		PushMode:         cycle.PushMode(cfg.PushMode),
		BranchPrefix:     cfg.BranchPrefix,
		TagPrefix:        cfg.TagPrefix,
		Remote:           cfg.Remote,
		ImproveWhenGreen: cfg.ImproveWhenGreen,
		CommitTemplate:   cfg.CommitMessageTemplate,
		Rollback:         cycle.RollbackStrategy(cfg.Rollback.Strategy),
	}, cycle.Dependencies{
		Runner:   run,
		Repo:     repo,
		Proposer: ai,
		Gate:     gate,
		LastGood: lastgood.New(a.layout.LastGoodFile()),
		Store:    a.store,
		Health:   checker,
		Lock:     lock.New(a.layout.LockFile()),
		Reports:  cycle.NewReportWriter(a.layout.ReportsDir()),
		Log:      a.log,
	})
}

func (a *app) processor(orch *cycle.Orchestrator) *queue.Processor {
	return queue.NewProcessor(a.layout, orch, a.log.With("queue"))
}
