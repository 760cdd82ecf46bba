package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/steward/pkg/runner"
)

// setupTestGitRepo creates a repository with a single commit in a temp dir.
func setupTestGitRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
		{"config", "commit.gpgsign", "false"},
	} {
		gitCmd(t, dir, args...)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repository\n"), 0644))
	gitCmd(t, dir, "add", "README.md")
	gitCmd(t, dir, "commit", "-q", "-m", "Initial commit")

	return dir
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func newTestGit(t *testing.T) (*Git, string) {
	dir := setupTestGitRepo(t)
	return NewGit(dir, runner.NewExecRunner()), dir
}

func TestGit_CurrentRevisionAndBranch(t *testing.T) {
	g, _ := newTestGit(t)
	ctx := context.Background()

	rev, err := g.CurrentRevision(ctx)
	require.NoError(t, err)
	assert.Len(t, rev, 40)

	branch, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, branch)
}

func TestGit_PendingChangesCommitAndTag(t *testing.T) {
	g, dir := newTestGit(t)
	ctx := context.Background()

	pending, err := g.HasPendingChanges(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hello\n"), 0644))

	pending, err = g.HasPendingChanges(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	files, err := g.ChangedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, files)

	before, _ := g.CurrentRevision(ctx)
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "add new file"))
	after, _ := g.CurrentRevision(ctx)
	assert.NotEqual(t, before, after)

	require.NoError(t, g.Tag(ctx, "codex-good-test"))
	assert.Contains(t, gitCmd(t, dir, "tag"), "codex-good-test")
}

func TestGit_HardResetDiscardsChanges(t *testing.T) {
	g, dir := newTestGit(t)
	ctx := context.Background()

	start, err := g.CurrentRevision(ctx)
	require.NoError(t, err)

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("changed\n"), 0644))
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "change readme"))

	require.NoError(t, g.HardReset(ctx, start))

	rev, _ := g.CurrentRevision(ctx)
	assert.Equal(t, start, rev)
	data, _ := os.ReadFile(readme)
	assert.Equal(t, "# Test Repository\n", string(data))
}

func TestGit_HardResetRemovesUntrackedFiles(t *testing.T) {
	g, dir := newTestGit(t)
	ctx := context.Background()

	start, err := g.CurrentRevision(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("state/\n"), 0644))
	gitCmd(t, dir, "add", ".gitignore")
	gitCmd(t, dir, "commit", "-q", "-m", "ignore state")
	withIgnore, err := g.CurrentRevision(ctx)
	require.NoError(t, err)
	require.NotEqual(t, start, withIgnore)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "state"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state", "keep.json"), []byte("{}"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "newpkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "newpkg", "added.go"), []byte("package newpkg\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.txt"), []byte("x\n"), 0644))

	require.NoError(t, g.HardReset(ctx, withIgnore))

	assert.NoFileExists(t, filepath.Join(dir, "broken.txt"))
	assert.NoDirExists(t, filepath.Join(dir, "newpkg"))
	assert.FileExists(t, filepath.Join(dir, "state", "keep.json"), "ignored files survive")

	pending, err := g.HasPendingChanges(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestGit_HardResetKeepsPatterns(t *testing.T) {
	dir := setupTestGitRepo(t)
	g := NewGit(dir, runner.NewExecRunner(), WithKeep("/codex/"))
	ctx := context.Background()

	start, err := g.CurrentRevision(ctx)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "codex"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codex", "config.yml"), []byte("remote: origin\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x\n"), 0644))

	require.NoError(t, g.HardReset(ctx, start))

	assert.FileExists(t, filepath.Join(dir, "codex", "config.yml"))
	assert.NoFileExists(t, filepath.Join(dir, "stray.txt"))
}

func TestGit_RevertLast(t *testing.T) {
	g, dir := newTestGit(t)
	ctx := context.Background()

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("broken\n"), 0644))
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "break readme"))

	require.NoError(t, g.RevertLast(ctx))

	data, _ := os.ReadFile(readme)
	assert.Equal(t, "# Test Repository\n", string(data))
}

func TestGit_CreateBranchTwice(t *testing.T) {
	g, _ := newTestGit(t)
	ctx := context.Background()

	require.NoError(t, g.CreateBranch(ctx, "codex/20260101-000000"))
	branch, _ := g.CurrentBranch(ctx)
	assert.Equal(t, "codex/20260101-000000", branch)

	// an existing branch is checked out rather than recreated
	require.NoError(t, g.CreateBranch(ctx, "codex/20260101-000000"))
}

func TestGit_ApplyPatch(t *testing.T) {
	g, dir := newTestGit(t)
	ctx := context.Background()

	patch := "--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n # Test Repository\n+patched\n"
	patchFile := filepath.Join(t.TempDir(), "p.patch")
	require.NoError(t, os.WriteFile(patchFile, []byte(patch), 0644))

	require.NoError(t, g.ApplyPatch(ctx, patchFile))
	data, _ := os.ReadFile(filepath.Join(dir, "README.md"))
	assert.Equal(t, "# Test Repository\npatched\n", string(data))

	// applying the same patch again no longer matches the tree
	err := g.ApplyPatch(ctx, patchFile)
	var gitErr *Error
	require.True(t, errors.As(err, &gitErr))
	assert.Equal(t, "apply", gitErr.Op)
}

func TestGit_PushWithoutRemoteFails(t *testing.T) {
	g, _ := newTestGit(t)

	err := g.Push(context.Background(), "origin", "main")
	var gitErr *Error
	require.True(t, errors.As(err, &gitErr))
	assert.Equal(t, "push", gitErr.Op)
	assert.NotZero(t, gitErr.ExitCode)
}

func TestParsePorcelain(t *testing.T) {
	out := " M pkg/a.go\n?? new.txt\nR  old.go -> renamed.go\n"
	assert.Equal(t, []string{"pkg/a.go", "new.txt", "renamed.go"}, parsePorcelain(out))
	assert.Empty(t, parsePorcelain(""))
}
