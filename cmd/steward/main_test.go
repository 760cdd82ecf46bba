package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/proposals"
	"github.com/entrhq/steward/pkg/queue"
	"github.com/entrhq/steward/pkg/state"
)

// setupRepo writes a config rooted at a temp dir and returns both paths.
func setupRepo(t *testing.T, extra string) (root, cfgPath string) {
	t.Helper()
	root = t.TempDir()
	cfgPath = filepath.Join(root, "steward.yml")
	content := "repo_root: " + root + "\nlogging:\n  verbosity: quiet\n" + extra
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return root, cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	opts := &rootOptions{}
	cmd := newRootCmd(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	opts.close()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "steward v"+version+"\n", out)
}

func TestEnqueue(t *testing.T) {
	root, cfg := setupRepo(t, "")

	out, err := run(t, "--config", cfg, "enqueue", "add", "retries")
	require.NoError(t, err)

	layout := state.New(root, "")
	name := strings.TrimSpace(out)
	data, err := os.ReadFile(filepath.Join(layout.QueueDir(), name))
	require.NoError(t, err)

	var job queue.Job
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, "add retries", job.Prompt)

	_, err = os.Stat(filepath.Join(layout.Root, ".gitignore"))
	assert.NoError(t, err, "state directory is initialized")
}

func TestEnqueue_BlankPrompt(t *testing.T) {
	_, cfg := setupRepo(t, "")
	_, err := run(t, "--config", cfg, "enqueue", "  ")
	assert.Error(t, err)
}

func TestProposals(t *testing.T) {
	root, cfg := setupRepo(t, "")
	store := proposals.NewStore(state.New(root, "").ProposalsDir())
	p := proposals.NewProposal(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), "0123456789abcdef0123", "speed up",
		proposal.Suggestion{Title: "Cache lookups", Diffs: []proposal.FileDiff{{Path: "a.go", UnifiedDiff: "+x"}}})
	require.NoError(t, store.Save(p))

	out, err := run(t, "--config", cfg, "proposals")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, p.ID)
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "Cache lookups")

	out, err = run(t, "--config", cfg, "proposals", "--json")
	require.NoError(t, err)
	var decoded []proposals.Proposal
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, p.ID, decoded[0].ID)
}

func TestInvalidVerbosity(t *testing.T) {
	_, cfg := setupRepo(t, "")
	_, err := run(t, "--config", cfg, "--verbosity", "loud", "proposals")
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	_, cfg := setupRepo(t, "push_mode: sideways\n")
	_, err := run(t, "--config", cfg, "proposals")
	assert.Error(t, err)
}

func TestOpenAIBackendRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, cfg := setupRepo(t, "ai:\n  backend: openai\n")
	_, err := run(t, "--config", cfg, "once")
	assert.ErrorContains(t, err, "API key")
}

func TestArgsValidation(t *testing.T) {
	for _, args := range [][]string{
		{"nudge"},
		{"propose"},
		{"apply"},
		{"apply", "a", "b"},
		{"once", "extra"},
	} {
		_, err := run(t, args...)
		assert.Error(t, err, "%v", args)
	}
}

func TestPromptArg(t *testing.T) {
	p, err := promptArg([]string{" add", "retries "})
	require.NoError(t, err)
	assert.Equal(t, "add retries", p)

	_, err = promptArg([]string{" "})
	assert.Error(t, err)
}
