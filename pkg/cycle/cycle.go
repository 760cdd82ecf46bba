// Package cycle drives a repository through the guarded self-maintenance
// pipeline: validate, patch, re-validate, publish, deploy, health-check and
// either record the revision as last-good or roll back.
//
// All state of a run lives in a Cycle value that every stage receives by
// pointer. Stages run strictly in sequence; the Orchestrator holds the
// repository lock for the whole run so two cycles never share a working tree.
package cycle

import (
	"time"

	"github.com/entrhq/steward/pkg/patchgate"
	"github.com/entrhq/steward/pkg/proposal"
)

// Flavor selects which pipeline variant a cycle runs.
type Flavor string

const (
	FlavorMaintenance Flavor = "maintenance"
	FlavorNudge       Flavor = "nudge"
	FlavorProposal    Flavor = "proposal"
)

// tagKind is the middle segment of the audit tag for a successful cycle.
func (f Flavor) tagKind() string {
	switch f {
	case FlavorNudge:
		return "nudge"
	case FlavorProposal:
		return "prop"
	default:
		return "good"
	}
}

// Stage names a step of the pipeline.
type Stage string

const (
	StageStart    Stage = "start"
	StageBaseline Stage = "baseline"
	StageFix      Stage = "fix"
	StageImprove  Stage = "improve"
	StagePropose  Stage = "propose"
	StageApply    Stage = "apply"
	StageTest     Stage = "test"
	StageLint     Stage = "lint"
	StagePublish  Stage = "publish"
	StageDeploy   Stage = "deploy"
	StageHealth   Stage = "health"
	StageRollback Stage = "rollback"
	StageRedeploy Stage = "redeploy"
	StageTagGood  Stage = "tag"
)

// Stage record statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// StageRecord is one executed stage.
type StageRecord struct {
	Stage    Stage         `json:"stage"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// Cycle is a single run of the pipeline.
type Cycle struct {
	Flavor     Flavor    `json:"flavor"`
	Timestamp  string    `json:"timestamp"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Prompt     string    `json:"prompt,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`

	// StartSHA is HEAD when the cycle began. Failed validation resets here.
	StartSHA string `json:"start_sha"`
	// BaseSHA is the revision the AI is told it works against and the
	// rollback target when no last-good revision exists: StartSHA, or the
	// stored base revision of a proposal.
	BaseSHA string `json:"base_sha"`
	Branch  string `json:"branch,omitempty"`

	// Suggestion is the suggestion whose title and summary the commit uses.
	Suggestion *proposal.Suggestion `json:"suggestion,omitempty"`
	Applied    []patchgate.Applied  `json:"applied"`

	Commit     string `json:"commit,omitempty"`
	Pushed     bool   `json:"pushed"`
	LastGood   string `json:"last_good,omitempty"`
	Tag        string `json:"tag,omitempty"`
	RolledBack bool   `json:"rolled_back"`

	Stages  []StageRecord `json:"stages"`
	Outcome string        `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

func newCycle(flavor Flavor, now time.Time) *Cycle {
	return &Cycle{
		Flavor:    flavor,
		Timestamp: now.UTC().Format("20060102-150405"),
		StartedAt: now,
		Applied:   []patchgate.Applied{},
		Stages:    []StageRecord{},
	}
}

func (c *Cycle) record(stage Stage, status string, d time.Duration, detail string) {
	c.Stages = append(c.Stages, StageRecord{Stage: stage, Status: status, Duration: d, Detail: detail})
}

// AppliedFiles lists every path patched during the cycle, in order.
func (c *Cycle) AppliedFiles() []string {
	files := make([]string, 0, len(c.Applied))
	for _, a := range c.Applied {
		files = append(files, a.Path)
	}
	return files
}
