package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/entrhq/steward/pkg/lastgood"
	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/metrics"
	"github.com/entrhq/steward/pkg/patchgate"
	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/proposals"
	"github.com/entrhq/steward/pkg/runner"
	"github.com/entrhq/steward/pkg/vcs"
)

// PushMode decides where commits are pushed.
type PushMode string

const (
	// PushDirect pushes to the currently checked out branch.
	PushDirect PushMode = "direct"
	// PushBranch creates "<prefix>/<timestamp>" for every cycle.
	PushBranch PushMode = "branch"
)

// RollbackStrategy decides how a failed deploy is undone.
type RollbackStrategy string

const (
	RollbackHardReset RollbackStrategy = "hard-reset"
	RollbackRevert    RollbackStrategy = "revert-commit"
)

const (
	// DefaultCommitTemplate is used when Settings.CommitTemplate is empty.
	DefaultCommitTemplate = "chore(codex): {title}\n\n{summary}"
	// MaxFixAttempts bounds the AI fix requests after a prompt's changes
	// break the tests.
	MaxFixAttempts = 2

	outputTail = 40
)

const (
	maintenanceFixPrompt = "Repo tests failed. Provide minimal safe patch as unified diff to fix failures."
	improvePrompt        = "Tests pass. Propose small, safe improvements (performance, readability, minor bugs) " +
		"as minimal unified diffs. Do not change behavior."
	nudgeFixPrompt    = "Tests failing after prompt changes. Provide minimal unified diff to fix failures only."
	proposalFixPrompt = "Tests failing after proposal apply. Provide minimal unified diff to fix failures only."
)

// errNothingToApply ends a cycle early without failing it.
var errNothingToApply = errors.New("nothing to apply")

// Settings are the per-repository knobs of the pipeline.
type Settings struct {
	// RepoRoot is the working directory for validation and deploy commands.
	RepoRoot string

	// Tests, Lint and Deploy are skipped when their Argv is empty.
	Tests  runner.Command
	Lint   runner.Command
	Deploy runner.Command

	PushMode     PushMode
	BranchPrefix string
	TagPrefix    string
	Remote       string

	ImproveWhenGreen bool
	CommitTemplate   string
	Rollback         RollbackStrategy
}

// HealthChecker reports whether the deployed service is healthy.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Locker serializes cycles on one working tree.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Dependencies are the collaborators of an Orchestrator. Health, Lock,
// Reports and Tracer are optional.
type Dependencies struct {
	Runner   runner.Runner
	Repo     vcs.Repository
	Proposer proposal.Proposer
	Gate     *patchgate.Gate
	LastGood *lastgood.Tracker
	Store    *proposals.Store

	Health  HealthChecker
	Lock    Locker
	Reports *ReportWriter
	Log     *logging.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Orchestrator runs cycles.
type Orchestrator struct {
	settings Settings

	runner   runner.Runner
	repo     vcs.Repository
	proposer proposal.Proposer
	gate     *patchgate.Gate
	lastGood *lastgood.Tracker
	store    *proposals.Store
	health   HealthChecker
	lock     Locker
	reports  *ReportWriter
	log      *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New validates deps and fills in defaults.
func New(settings Settings, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Runner == nil:
		return nil, errors.New("cycle: runner is required")
	case deps.Repo == nil:
		return nil, errors.New("cycle: repository is required")
	case deps.Proposer == nil:
		return nil, errors.New("cycle: proposer is required")
	case deps.Gate == nil:
		return nil, errors.New("cycle: patch gate is required")
	case deps.LastGood == nil:
		return nil, errors.New("cycle: last-good tracker is required")
	case deps.Store == nil:
		return nil, errors.New("cycle: proposal store is required")
	}

	if settings.PushMode == "" {
		settings.PushMode = PushDirect
	}
	if settings.BranchPrefix == "" {
		settings.BranchPrefix = "codex"
	}
	if settings.TagPrefix == "" {
		settings.TagPrefix = "codex"
	}
	if settings.Remote == "" {
		settings.Remote = "origin"
	}
	if settings.CommitTemplate == "" {
		settings.CommitTemplate = DefaultCommitTemplate
	}
	if settings.Rollback == "" {
		settings.Rollback = RollbackHardReset
	}

	o := &Orchestrator{
		settings: settings,
		runner:   deps.Runner,
		repo:     deps.Repo,
		proposer: deps.Proposer,
		gate:     deps.Gate,
		lastGood: deps.LastGood,
		store:    deps.Store,
		health:   deps.Health,
		lock:     deps.Lock,
		reports:  deps.Reports,
		log:      deps.Log,
		tracer:   deps.Tracer,
		now:      deps.Now,
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/entrhq/steward/pkg/cycle")
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Maintenance runs the scheduled cycle: fix failing tests, or propose safe
// improvements when they pass, then publish, deploy and health-check.
func (o *Orchestrator) Maintenance(ctx context.Context) error {
	c := newCycle(FlavorMaintenance, o.now())
	return o.execute(ctx, c, o.baseline)
}

// Nudge runs an ad hoc cycle for prompt. A prompt that yields no diffs ends
// the cycle without changes and without error.
func (o *Orchestrator) Nudge(ctx context.Context, prompt string) error {
	c := newCycle(FlavorNudge, o.now())
	c.Prompt = prompt
	return o.execute(ctx, c, func(ctx context.Context, c *Cycle) error {
		s := o.propose(ctx, c, StagePropose, prompt, nil)
		return o.applyWithFixes(ctx, c, s, nudgeFixPrompt)
	})
}

// RunPrompt runs Nudge. It lets the orchestrator drive the queue processor.
func (o *Orchestrator) RunPrompt(ctx context.Context, prompt string) error {
	return o.Nudge(ctx, prompt)
}

// Propose asks the AI for a suggestion and stores it for later review
// without touching the working tree.
func (o *Orchestrator) Propose(ctx context.Context, prompt string) (*proposals.Summary, error) {
	ctx, span := o.tracer.Start(ctx, "cycle.propose")
	defer span.End()

	sha, err := o.repo.CurrentRevision(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &Error{Kind: KindVCS, Stage: StageStart, Err: err}
	}

	s := o.proposer.Propose(ctx, proposal.Request{Prompt: prompt, Context: map[string]any{"last_sha": sha}})
	if s.Unavailable() {
		o.log.Warningf("AI service unavailable; storing an empty proposal")
	}

	p := proposals.NewProposal(o.now(), sha, prompt, s)
	if err := o.store.Save(p); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("proposal.id", p.ID), attribute.Int("proposal.files", len(p.Files)))
	o.log.Successf("Stored proposal %s (%d file(s))", p.ID, len(p.Files))

	sum := p.Summary()
	return &sum, nil
}

// ApplyProposal applies a stored proposal. Its stored base revision is the
// rollback target when no last-good revision exists. An unknown id is an
// error wrapping proposals.ErrNotFound.
func (o *Orchestrator) ApplyProposal(ctx context.Context, id string) error {
	p, err := o.store.Load(id)
	if err != nil {
		o.log.Errorf("cannot apply proposal %s: %v", id, err)
		return fmt.Errorf("apply proposal: %w", err)
	}

	c := newCycle(FlavorProposal, o.now())
	c.ProposalID = p.ID
	c.Prompt = p.Prompt
	c.BaseSHA = p.BaseSHA
	return o.execute(ctx, c, func(ctx context.Context, c *Cycle) error {
		return o.applyWithFixes(ctx, c, p.Suggestion, proposalFixPrompt)
	})
}

// execute runs body between the Start stage and the shared
// lint/publish/deploy/health tail, holding the repository lock throughout.
func (o *Orchestrator) execute(ctx context.Context, c *Cycle, body func(context.Context, *Cycle) error) error {
	ctx, span := o.tracer.Start(ctx, "cycle."+string(c.Flavor),
		trace.WithAttributes(attribute.String("cycle.timestamp", c.Timestamp)))
	defer span.End()

	if o.lock != nil {
		if err := o.lock.Acquire(ctx); err != nil {
			err = fmt.Errorf("could not acquire repository lock: %w", err)
			o.log.Errorf("%v", err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		defer func() {
			if err := o.lock.Release(); err != nil {
				o.log.Warningf("could not release repository lock: %v", err)
			}
		}()
	}

	title := fmt.Sprintf("Steward %s cycle %s", c.Flavor, c.Timestamp)
	o.log.Header(title)

	err := o.pipeline(ctx, c, body)
	o.finish(c, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("cycle.outcome", c.Outcome))
	return err
}

func (o *Orchestrator) pipeline(ctx context.Context, c *Cycle, body func(context.Context, *Cycle) error) error {
	if err := o.start(ctx, c); err != nil {
		return err
	}

	if err := body(ctx, c); err != nil {
		if errors.Is(err, errNothingToApply) {
			c.Outcome = metrics.OutcomeNoChange
			return nil
		}
		return err
	}

	if _, err := o.validate(ctx, c, StageLint, o.settings.Lint, "Lint", runner.DefaultValidationTimeout); err != nil {
		return o.abort(ctx, c, err)
	}

	o.publish(ctx, c)

	if err := o.deploy(ctx, c, StageDeploy); err != nil {
		return err
	}

	if err := o.checkHealth(ctx, c); err != nil {
		o.rollback(ctx, c)
		return err
	}

	return o.markGood(ctx, c)
}

func (o *Orchestrator) finish(c *Cycle, err error) {
	c.FinishedAt = o.now()
	switch {
	case err != nil && c.RolledBack:
		c.Outcome = metrics.OutcomeRolledBack
	case err != nil:
		c.Outcome = metrics.OutcomeFailed
	case c.Outcome == "":
		c.Outcome = metrics.OutcomeSuccess
	}
	if err != nil {
		c.Error = err.Error()
		o.log.Errorf("%s cycle failed: %v", c.Flavor, err)
	}
	metrics.CyclesTotal.WithLabelValues(string(c.Flavor), c.Outcome).Inc()

	fields := []logging.SummaryField{
		{Key: "Outcome", Value: c.Outcome},
		{Key: "Start SHA", Value: c.StartSHA},
		{Key: "Branch", Value: c.Branch},
		{Key: "Files", Value: strings.Join(c.AppliedFiles(), ", ")},
		{Key: "Commit", Value: c.Commit},
		{Key: "Last good", Value: c.LastGood},
		{Key: "Tag", Value: c.Tag},
		{Key: "Duration", Value: c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond).String()},
		{Key: "Error", Value: c.Error},
	}
	o.log.Summary(fmt.Sprintf("Steward %s cycle %s", c.Flavor, c.Timestamp), err == nil, fields)

	if o.reports != nil {
		if path, werr := o.reports.Write(c); werr != nil {
			o.log.Warningf("could not write cycle report: %v", werr)
		} else {
			o.log.Verbosef("cycle report written to %s", path)
		}
	}
}

// formatTemplate fills the {title} and {summary} placeholders.
func formatTemplate(tmpl, title, summary string) string {
	return strings.NewReplacer("{title}", title, "{summary}", summary).Replace(tmpl)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
