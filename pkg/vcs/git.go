// Package vcs wraps the version control primitives the maintenance cycle
// needs: reading the current revision, publishing changes and rolling the
// working tree back.
package vcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/steward/pkg/runner"
)

// Repository is the version control contract used by the orchestrator.
type Repository interface {
	CurrentRevision(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name string) error
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string) error
	Tag(ctx context.Context, name string) error
	HardReset(ctx context.Context, revision string) error
	RevertLast(ctx context.Context) error
	HasPendingChanges(ctx context.Context) (bool, error)
	ChangedFiles(ctx context.Context) ([]string, error)
	ApplyPatch(ctx context.Context, patchFile string) error
}

// Error is returned when a git sub-command exits non-zero.
type Error struct {
	Op       string
	ExitCode int
	Output   string
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s failed (exit %d)", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Op, e.ExitCode, out)
}

// Git drives the git binary in a single working tree.
type Git struct {
	dir     string
	run     runner.Runner
	timeout time.Duration

	authorName  string
	authorEmail string

	keep []string
}

// Option configures a Git adapter.
type Option func(*Git)

// WithAuthor sets the author used for commits created by the agent.
func WithAuthor(name, email string) Option {
	return func(g *Git) {
		g.authorName = name
		g.authorEmail = email
	}
}

// WithTimeout overrides the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Git) {
		g.timeout = d
	}
}

// WithKeep adds gitignore-style patterns, relative to the repository root,
// that HardReset never removes even when untracked.
func WithKeep(patterns ...string) Option {
	return func(g *Git) {
		g.keep = append(g.keep, patterns...)
	}
}

// NewGit creates a git adapter rooted at dir.
func NewGit(dir string, r runner.Runner, opts ...Option) *Git {
	g := &Git{
		dir:     dir,
		run:     r,
		timeout: runner.DefaultGitTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dir returns the working tree root.
func (g *Git) Dir() string {
	return g.dir
}

// CurrentRevision returns the full id of HEAD.
func (g *Git) CurrentRevision(ctx context.Context) (string, error) {
	out, err := g.exec(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked out branch, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.exec(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateBranch creates a branch at HEAD and switches to it.
// If the branch already exists it is checked out instead.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	if _, err := g.exec(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name); err == nil {
		_, err = g.exec(ctx, "checkout", name)
		return err
	}
	_, err := g.exec(ctx, "checkout", "-b", name)
	return err
}

// StageAll stages every change in the working tree, including deletions.
func (g *Git) StageAll(ctx context.Context) error {
	_, err := g.exec(ctx, "add", "-A")
	return err
}

// Commit records the staged changes.
func (g *Git) Commit(ctx context.Context, message string) error {
	args := []string{"commit", "-m", message}
	if g.authorName != "" && g.authorEmail != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", g.authorName, g.authorEmail))
	}
	_, err := g.exec(ctx, args...)
	return err
}

// Push pushes branch to remote.
func (g *Git) Push(ctx context.Context, remote, branch string) error {
	_, err := g.exec(ctx, "push", remote, branch)
	return err
}

// Tag creates a lightweight tag at HEAD.
func (g *Git) Tag(ctx context.Context, name string) error {
	_, err := g.exec(ctx, "tag", name)
	return err
}

// HardReset moves HEAD and the working tree to revision, discarding changes.
// Untracked files are removed too. Ignored files and WithKeep patterns are
// left alone.
func (g *Git) HardReset(ctx context.Context, revision string) error {
	if _, err := g.exec(ctx, "reset", "--hard", revision); err != nil {
		return err
	}
	args := []string{"clean", "-fd"}
	for _, p := range g.keep {
		args = append(args, "-e", p)
	}
	_, err := g.exec(ctx, args...)
	return err
}

// RevertLast creates a commit undoing HEAD.
func (g *Git) RevertLast(ctx context.Context) error {
	_, err := g.exec(ctx, "revert", "--no-edit", "HEAD")
	return err
}

// HasPendingChanges reports whether the working tree differs from HEAD,
// untracked files included.
func (g *Git) HasPendingChanges(ctx context.Context) (bool, error) {
	out, err := g.exec(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedFiles lists modified, added and untracked paths.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := g.exec(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// ApplyPatch applies a unified diff file with lenient whitespace handling.
func (g *Git) ApplyPatch(ctx context.Context, patchFile string) error {
	_, err := g.exec(ctx, "apply", "--whitespace=fix", patchFile)
	return err
}

func (g *Git) exec(ctx context.Context, args ...string) (string, error) {
	res := g.run.Run(ctx, runner.Command{
		Argv:    append([]string{"git"}, args...),
		Dir:     g.dir,
		Timeout: g.timeout,
	})
	if !res.Success() {
		return res.Stdout, &Error{Op: args[0], ExitCode: res.ExitCode, Output: res.Stderr + res.Stdout}
	}
	return res.Stdout, nil
}

// parsePorcelain extracts paths from `git status --porcelain` output.
// Renames ("R  old -> new") report the new path.
func parsePorcelain(out string) []string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	files := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(line) <= 3 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[idx+4:]
		}
		files = append(files, strings.Trim(name, `"`))
	}
	return files
}
