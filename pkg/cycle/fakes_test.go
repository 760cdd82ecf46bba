package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entrhq/steward/pkg/lastgood"
	"github.com/entrhq/steward/pkg/patchgate"
	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/proposals"
	"github.com/entrhq/steward/pkg/runner"
	"github.com/entrhq/steward/pkg/state"
	"github.com/entrhq/steward/pkg/vcs"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

const fixedTS = "20240506-070809"

// scriptedRunner returns exit codes per command name in order; the last code
// repeats once the script is exhausted. Unscripted commands succeed.
type scriptedRunner struct {
	mu     sync.Mutex
	script map[string][]int
	calls  []string
}

func (r *scriptedRunner) Run(_ context.Context, cmd runner.Command) *runner.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := cmd.Argv[0]
	r.calls = append(r.calls, name)
	code := 0
	if codes := r.script[name]; len(codes) > 0 {
		code = codes[0]
		if len(codes) > 1 {
			r.script[name] = codes[1:]
		}
	}
	return &runner.Result{ExitCode: code, Stderr: name + " output"}
}

func (r *scriptedRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

// fakeRepo models just enough of a working tree for the pipeline.
type fakeRepo struct {
	mu sync.Mutex

	head    string
	branch  string
	pending bool
	commits int

	patches  []string
	messages []string
	pushes   []string
	tags     []string
	branches []string
	resets   []string
	reverts  int

	failApply bool
	failPush  bool
}

func newFakeRepo(head string) *fakeRepo {
	return &fakeRepo{head: head, branch: "main"}
}

func (f *fakeRepo) CurrentRevision(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeRepo) CurrentBranch(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branch, nil
}

func (f *fakeRepo) CreateBranch(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	f.branch = name
	return nil
}

func (f *fakeRepo) StageAll(context.Context) error { return nil }

func (f *fakeRepo) Commit(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pending {
		return &vcs.Error{Op: "commit", ExitCode: 1, Output: "nothing to commit"}
	}
	f.commits++
	f.head = fmt.Sprintf("commit-%d", f.commits)
	f.pending = false
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeRepo) Push(_ context.Context, remote, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPush {
		return &vcs.Error{Op: "push", ExitCode: 128, Output: "remote rejected"}
	}
	f.pushes = append(f.pushes, remote+"/"+branch)
	return nil
}

func (f *fakeRepo) Tag(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, name)
	return nil
}

func (f *fakeRepo) HardReset(_ context.Context, revision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, revision)
	f.head = revision
	f.pending = false
	return nil
}

func (f *fakeRepo) RevertLast(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts++
	f.head = fmt.Sprintf("revert-%d", f.reverts)
	return nil
}

func (f *fakeRepo) HasPendingChanges(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeRepo) ChangedFiles(context.Context) ([]string, error) { return nil, nil }

func (f *fakeRepo) ApplyPatch(_ context.Context, patchFile string) error {
	data, err := os.ReadFile(patchFile)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply {
		return &vcs.Error{Op: "apply", ExitCode: 1, Output: "patch does not apply"}
	}
	f.patches = append(f.patches, string(data))
	f.pending = true
	return nil
}

// scriptedProposer hands out suggestions in order and records requests.
type scriptedProposer struct {
	mu          sync.Mutex
	suggestions []proposal.Suggestion
	requests    []proposal.Request
}

func (p *scriptedProposer) Propose(_ context.Context, req proposal.Request) proposal.Suggestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.suggestions) == 0 {
		return proposal.NoChange("nothing scripted")
	}
	s := p.suggestions[0]
	p.suggestions = p.suggestions[1:]
	return s
}

type fakeHealth struct {
	err   error
	calls int
}

func (h *fakeHealth) Check(context.Context) error {
	h.calls++
	return h.err
}

type countingLock struct {
	acquired, released int
	err                error
}

func (l *countingLock) Acquire(context.Context) error {
	if l.err != nil {
		return l.err
	}
	l.acquired++
	return nil
}

func (l *countingLock) Release() error {
	l.released++
	return nil
}

var errDown = errors.New("service down")

type harness struct {
	o       *Orchestrator
	runner  *scriptedRunner
	repo    *fakeRepo
	ai      *scriptedProposer
	health  *fakeHealth
	lock    *countingLock
	tracker *lastgood.Tracker
	store   *proposals.Store
	layout  state.Layout
}

func newHarness(t *testing.T, configure func(*Settings)) *harness {
	t.Helper()

	layout := state.New(t.TempDir(), "")
	require.NoError(t, layout.Ensure())

	h := &harness{
		runner:  &scriptedRunner{script: map[string][]int{}},
		repo:    newFakeRepo("base0"),
		ai:      &scriptedProposer{},
		health:  &fakeHealth{},
		lock:    &countingLock{},
		tracker: lastgood.New(layout.LastGoodFile()),
		store:   proposals.NewStore(layout.ProposalsDir()),
		layout:  layout,
	}

	gate, err := patchgate.New(patchgate.Policy{Protected: []string{".env"}}, h.repo, layout.Root, nil)
	require.NoError(t, err)

	settings := Settings{
		RepoRoot:         layout.Root,
		Tests:            runner.Command{Argv: []string{"test"}},
		Lint:             runner.Command{},
		Deploy:           runner.Command{Argv: []string{"deploy"}},
		ImproveWhenGreen: true,
	}
	if configure != nil {
		configure(&settings)
	}

	h.o, err = New(settings, Dependencies{
		Runner:   h.runner,
		Repo:     h.repo,
		Proposer: h.ai,
		Gate:     gate,
		LastGood: h.tracker,
		Store:    h.store,
		Health:   h.health,
		Lock:     h.lock,
		Reports:  NewReportWriter(layout.ReportsDir()),
		Now:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) lastGood(t *testing.T) string {
	t.Helper()
	rev, err := h.tracker.Read()
	require.NoError(t, err)
	return rev
}

func diffFor(path, added string) proposal.FileDiff {
	return proposal.FileDiff{
		Path:        path,
		UnifiedDiff: "--- a/" + path + "\n+++ b/" + path + "\n@@ -1 +1,2 @@\n line\n+" + added + "\n",
	}
}

func suggestion(title, summary string, diffs ...proposal.FileDiff) proposal.Suggestion {
	if diffs == nil {
		diffs = []proposal.FileDiff{}
	}
	return proposal.Suggestion{Title: title, Summary: summary, Diffs: diffs}
}
