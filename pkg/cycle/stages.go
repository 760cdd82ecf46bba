package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/entrhq/steward/pkg/metrics"
	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/runner"
)

// errSkipped marks a stage that had nothing to do.
var errSkipped = errors.New("skipped")

// runStage traces and times fn and records it on the cycle. fn returns a
// short detail for the report; returning errSkipped records a skip.
func (o *Orchestrator) runStage(ctx context.Context, c *Cycle, stage Stage, fn func(context.Context) (string, error)) error {
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage),
		trace.WithAttributes(attribute.String("cycle.flavor", string(c.Flavor))))
	defer span.End()

	start := time.Now()
	detail, err := fn(ctx)
	d := time.Since(start)

	switch {
	case errors.Is(err, errSkipped):
		c.record(stage, StatusSkipped, d, detail)
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if detail == "" {
			detail = err.Error()
		}
		c.record(stage, StatusFailed, d, detail)
	default:
		c.record(stage, StatusPassed, d, detail)
	}
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	return err
}

func (o *Orchestrator) start(ctx context.Context, c *Cycle) error {
	return o.runStage(ctx, c, StageStart, func(ctx context.Context) (string, error) {
		sha, err := o.repo.CurrentRevision(ctx)
		if err != nil {
			return "", &Error{Kind: KindVCS, Stage: StageStart, Err: err}
		}
		c.StartSHA = sha
		if c.BaseSHA == "" {
			c.BaseSHA = sha
		}
		o.log.Infof("Start SHA: %s", sha)
		return sha, nil
	})
}

// baseline runs the tests and either the fix loop or the improvement loop.
func (o *Orchestrator) baseline(ctx context.Context, c *Cycle) error {
	o.log.Section("Baseline")
	out, err := o.validate(ctx, c, StageBaseline, o.settings.Tests, "Tests", runner.DefaultValidationTimeout)
	if err == nil {
		if o.settings.ImproveWhenGreen {
			o.improve(ctx, c)
		}
		return nil
	}

	o.log.Step("Tests failed, requesting a fix")
	fix := o.propose(ctx, c, StageFix, maintenanceFixPrompt, map[string]any{"test_output": out})
	c.Suggestion = &fix
	if err := o.applyDiffs(ctx, c, StageFix, fix.Diffs); err != nil {
		return o.abort(ctx, c, err)
	}
	if _, err := o.validate(ctx, c, StageTest, o.settings.Tests, "Tests", runner.DefaultValidationTimeout); err != nil {
		if fix.Unavailable() {
			err = &Error{Kind: KindProposal, Stage: StageFix, Err: fmt.Errorf("no fix available: %w", err)}
		}
		return o.abort(ctx, c, err)
	}
	o.log.Successf("Tests fixed by AI")
	return nil
}

// improve applies a behavior-preserving suggestion and discards it if it
// does not apply or breaks the tests. It never fails the cycle.
func (o *Orchestrator) improve(ctx context.Context, c *Cycle) {
	o.log.Step("Tests green, proposing safe improvements")
	s := o.propose(ctx, c, StageImprove, improvePrompt, nil)
	if !s.HasDiffs() {
		o.log.Infof("No improvements proposed")
		return
	}

	kept := len(c.Applied)
	discard := func(reason string) {
		o.log.Warningf("%s, reverting improvements", reason)
		c.Applied = c.Applied[:kept]
		o.reset(ctx, c.StartSHA)
	}

	if err := o.applyDiffs(ctx, c, StageImprove, s.Diffs); err != nil {
		discard("improvements could not be applied")
		return
	}
	if _, err := o.validate(ctx, c, StageTest, o.settings.Tests, "Tests", runner.DefaultValidationTimeout); err != nil {
		discard("improvements broke tests")
		return
	}
	c.Suggestion = &s
	o.log.Successf("Improvements validated by tests")
}

// applyWithFixes applies s, then asks for up to MaxFixAttempts fixes while
// the tests fail. Red tests after that reset the tree and fail the cycle.
func (o *Orchestrator) applyWithFixes(ctx context.Context, c *Cycle, s proposal.Suggestion, fixPrompt string) error {
	if !s.HasDiffs() {
		o.log.Warningf("No diffs to apply; nothing to do")
		c.record(StageApply, StatusSkipped, 0, "no diffs")
		return errNothingToApply
	}
	c.Suggestion = &s

	o.log.Section("Apply")
	if err := o.applyDiffs(ctx, c, StageApply, s.Diffs); err != nil {
		return o.abort(ctx, c, err)
	}

	out, err := o.validate(ctx, c, StageTest, o.settings.Tests, "Tests", runner.DefaultValidationTimeout)
	for attempt := 1; err != nil && attempt <= MaxFixAttempts; attempt++ {
		o.log.Step(fmt.Sprintf("Tests failing, AI fix attempt %d/%d", attempt, MaxFixAttempts))
		fix := o.propose(ctx, c, StageFix, fixPrompt, map[string]any{"test_output": out})
		if aerr := o.applyDiffs(ctx, c, StageFix, fix.Diffs); aerr != nil {
			o.log.Warningf("fix could not be applied: %v", aerr)
			out, err = o.validate(ctx, c, StageTest, o.settings.Tests, "Tests", runner.DefaultValidationTimeout)
			break
		}
		out, err = o.validate(ctx, c, StageTest, o.settings.Tests, "Tests", runner.DefaultValidationTimeout)
	}
	if err != nil {
		o.log.Errorf("Changes still failing tests, reverting")
		return o.abort(ctx, c, err)
	}
	return nil
}

func (o *Orchestrator) propose(ctx context.Context, c *Cycle, stage Stage, prompt string, extra map[string]any) proposal.Suggestion {
	var s proposal.Suggestion
	_ = o.runStage(ctx, c, stage, func(ctx context.Context) (string, error) {
		reqCtx := map[string]any{"last_sha": c.BaseSHA}
		for k, v := range extra {
			reqCtx[k] = v
		}
		s = o.proposer.Propose(ctx, proposal.Request{Prompt: prompt, Context: reqCtx})
		if s.Unavailable() {
			o.log.Warningf("AI service unavailable, continuing without a suggestion")
		}
		return fmt.Sprintf("%q with %d diff(s)", s.Title, len(s.Diffs)), nil
	})
	return s
}

func (o *Orchestrator) applyDiffs(ctx context.Context, c *Cycle, stage Stage, diffs []proposal.FileDiff) error {
	return o.runStage(ctx, c, stage, func(ctx context.Context) (string, error) {
		report, err := o.gate.Apply(ctx, diffs)
		if report != nil {
			c.Applied = append(c.Applied, report.Applied...)
		}
		if err != nil {
			return "", gateError(stage, err)
		}
		n := 0
		if report != nil {
			n = len(report.Applied)
		}
		return fmt.Sprintf("%d diff(s) applied", n), nil
	})
}

// validate runs a tests or lint command. It returns the output tail so a
// failure can be handed to the AI.
func (o *Orchestrator) validate(ctx context.Context, c *Cycle, stage Stage, cmd runner.Command, label string, def time.Duration) (string, error) {
	var tail string
	err := o.runStage(ctx, c, stage, func(ctx context.Context) (string, error) {
		if len(cmd.Argv) == 0 {
			return "no command configured", errSkipped
		}
		res := o.runner.Run(ctx, o.command(cmd, def))
		tail = res.Tail(outputTail)
		o.log.Gate(label, res.Success(), tail)
		if res.Success() {
			return fmt.Sprintf("exit 0 in %s", res.Duration.Round(time.Millisecond)), nil
		}
		reason := fmt.Sprintf("exit code %d", res.ExitCode)
		if res.TimedOut {
			reason = fmt.Sprintf("timed out after %s", o.command(cmd, def).Timeout)
		}
		return reason, &Error{Kind: KindValidation, Stage: stage, Err: fmt.Errorf("%s %s: %s", label, reason, tail)}
	})
	return tail, err
}

// publish commits and pushes pending changes. Every failure here is logged
// and swallowed: deploy proceeds against the working tree regardless.
func (o *Orchestrator) publish(ctx context.Context, c *Cycle) {
	o.log.Section("Publish")
	_ = o.runStage(ctx, c, StagePublish, func(ctx context.Context) (string, error) {
		branch, ok := o.resolveBranch(ctx, c)

		pending, err := o.repo.HasPendingChanges(ctx)
		if err != nil {
			o.log.Warningf("could not inspect working tree: %v", err)
			return "status failed", errSkipped
		}
		if !pending {
			o.log.Infof("No changes detected; skipping commit/push")
			return "no changes", errSkipped
		}

		if err := o.repo.StageAll(ctx); err != nil {
			o.log.Warningf("staging failed: %v", err)
			return "stage failed", errSkipped
		}
		msg := o.commitMessage(c)
		if err := o.repo.Commit(ctx, msg); err != nil {
			o.log.Warningf("Nothing to commit or commit failed: %v", err)
			return "commit failed", errSkipped
		}
		if sha, err := o.repo.CurrentRevision(ctx); err == nil {
			c.Commit = sha
		}
		o.log.Git("commit", c.Commit)

		if !ok {
			return "committed, not pushed", nil
		}
		if err := o.repo.Push(ctx, o.settings.Remote, branch); err != nil {
			o.log.Warningf("push to %s/%s failed, continuing to deploy: %v", o.settings.Remote, branch, err)
			return "committed, push failed", nil
		}
		c.Pushed = true
		o.log.Git("push", o.settings.Remote+"/"+branch)
		return "committed and pushed", nil
	})
}

// resolveBranch returns the branch to push and whether pushing is possible.
func (o *Orchestrator) resolveBranch(ctx context.Context, c *Cycle) (string, bool) {
	if o.settings.PushMode != PushBranch {
		branch, err := o.repo.CurrentBranch(ctx)
		if err != nil {
			o.log.Warningf("could not resolve current branch: %v", err)
			return "", false
		}
		c.Branch = branch
		return branch, true
	}

	branch := o.settings.BranchPrefix + "/" + c.Timestamp
	if err := o.repo.CreateBranch(ctx, branch); err != nil {
		o.log.Warningf("could not create branch %s: %v", branch, err)
		return "", false
	}
	c.Branch = branch
	o.log.Git("branch", branch)
	return branch, true
}

func (o *Orchestrator) commitMessage(c *Cycle) string {
	title, summary := "automated update", "applied minimal safe changes"
	switch c.Flavor {
	case FlavorNudge:
		title, summary = "codex nudge", truncateRunes(c.Prompt, 200)
	case FlavorProposal:
		title, summary = "codex proposal", "applied approved changes"
	}
	if c.Suggestion != nil {
		title = c.Suggestion.TitleOr(title)
		summary = c.Suggestion.SummaryOr(summary)
	}
	return formatTemplate(o.settings.CommitTemplate, title, summary)
}

func (o *Orchestrator) deploy(ctx context.Context, c *Cycle, stage Stage) error {
	if stage == StageDeploy {
		o.log.Section("Deploy")
	}
	return o.runStage(ctx, c, stage, func(ctx context.Context) (string, error) {
		cmd := o.settings.Deploy
		if len(cmd.Argv) == 0 {
			return "no command configured", errSkipped
		}
		res := o.runner.Run(ctx, o.command(cmd, runner.DefaultDeployTimeout))
		o.log.Gate("Deploy", res.Success(), res.Tail(outputTail))
		if !res.Success() {
			return fmt.Sprintf("exit code %d", res.ExitCode),
				&Error{Kind: KindDeploy, Stage: stage, Err: fmt.Errorf("deploy exited with code %d: %s", res.ExitCode, res.Tail(outputTail))}
		}
		return "deployed", nil
	})
}

func (o *Orchestrator) checkHealth(ctx context.Context, c *Cycle) error {
	return o.runStage(ctx, c, StageHealth, func(ctx context.Context) (string, error) {
		if o.health == nil {
			return "no health check configured", errSkipped
		}
		if err := o.health.Check(ctx); err != nil {
			o.log.Gate("Health", false, err.Error())
			return "", &Error{Kind: KindHealth, Stage: StageHealth, Err: err}
		}
		o.log.Gate("Health", true, "")
		return "healthy", nil
	})
}

// rollback restores the last-good revision (or the cycle's base) and
// redeploys once. The cycle fails either way.
func (o *Orchestrator) rollback(ctx context.Context, c *Cycle) {
	o.log.Section("Rollback")
	c.RolledBack = true
	_ = o.runStage(ctx, c, StageRollback, func(ctx context.Context) (string, error) {
		target, err := o.lastGood.Read()
		if err != nil {
			o.log.Warningf("could not read last-good revision: %v", err)
		}
		if target == "" {
			target = c.BaseSHA
		}

		metrics.RollbacksTotal.WithLabelValues(string(o.settings.Rollback)).Inc()
		var detail string
		switch o.settings.Rollback {
		case RollbackRevert:
			detail = "reverted HEAD"
			if err := o.repo.RevertLast(ctx); err != nil {
				o.log.Errorf("revert failed: %v", err)
				return "", &Error{Kind: KindVCS, Stage: StageRollback, Err: err}
			}
		default:
			detail = "reset to " + target
			if err := o.repo.HardReset(ctx, target); err != nil {
				o.log.Errorf("hard reset to %s failed: %v", target, err)
				return "", &Error{Kind: KindVCS, Stage: StageRollback, Err: err}
			}
		}
		o.log.Git("rollback", detail)
		return detail, nil
	})

	if err := o.deploy(ctx, c, StageRedeploy); err != nil {
		o.log.Errorf("redeploy after rollback failed: %v", err)
	}
}

// markGood records HEAD as the last-good revision and tags it.
func (o *Orchestrator) markGood(ctx context.Context, c *Cycle) error {
	return o.runStage(ctx, c, StageTagGood, func(ctx context.Context) (string, error) {
		sha, err := o.repo.CurrentRevision(ctx)
		if err != nil {
			return "", &Error{Kind: KindVCS, Stage: StageTagGood, Err: err}
		}
		if err := o.lastGood.Write(sha); err != nil {
			return "", err
		}
		c.LastGood = sha

		tag := fmt.Sprintf("%s-%s-%s", o.settings.TagPrefix, c.Flavor.tagKind(), c.Timestamp)
		if err := o.repo.Tag(ctx, tag); err != nil {
			o.log.Warningf("could not create tag %s: %v", tag, err)
		} else {
			c.Tag = tag
			o.log.Git("tag", tag)
		}
		o.log.Successf("Success. Last good: %s", sha)
		return sha, nil
	})
}

// abort resets the tree to the cycle's start and returns err.
func (o *Orchestrator) abort(ctx context.Context, c *Cycle, err error) error {
	o.reset(ctx, c.StartSHA)
	return err
}

func (o *Orchestrator) reset(ctx context.Context, rev string) {
	if rev == "" {
		return
	}
	if err := o.repo.HardReset(ctx, rev); err != nil {
		o.log.Errorf("could not reset working tree to %s: %v", rev, err)
		return
	}
	o.log.Git("reset", rev)
}

func (o *Orchestrator) command(cmd runner.Command, def time.Duration) runner.Command {
	if cmd.Dir == "" {
		cmd.Dir = o.settings.RepoRoot
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = def
	}
	return cmd
}
