package proposals

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/steward/pkg/proposal"
)

var sample = proposal.Suggestion{
	Title:   "tidy",
	Summary: "remove dead code",
	Diffs: []proposal.FileDiff{
		{Path: "a.go", UnifiedDiff: "--- a/a.go\n+++ b/a.go\n@@ -1 +1 @@\n-x\n+y\n"},
		{Path: "", UnifiedDiff: ""},
	},
}

func TestNewID(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.FixedZone("X", 3600))
	id := NewID(now)
	assert.Regexp(t, regexp.MustCompile(`^prop-20240305-130709-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewID(now))
}

func TestStore_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	p := NewProposal(time.Now(), "base123", "make it faster", sample)

	require.NoError(t, s.Save(p))

	loaded, err := s.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "base123", loaded.BaseSHA)
	assert.Equal(t, "make it faster", loaded.Prompt)
	assert.Equal(t, sample.Diffs, loaded.Suggestion.Diffs)
	assert.Equal(t, []string{"a.go"}, loaded.Files)

	sum := loaded.Summary()
	assert.Equal(t, p.ID, sum.ID)
	assert.Equal(t, "tidy", sum.Title)
	assert.Equal(t, "remove dead code", sum.Summary)
}

func TestStore_SaveNeverOverwrites(t *testing.T) {
	s := NewStore(t.TempDir())
	p := NewProposal(time.Now(), "base-1", "p", sample)
	require.NoError(t, s.Save(p))

	p2 := *p
	p2.BaseSHA = "base-2"
	err := s.Save(&p2)
	assert.True(t, errors.Is(err, ErrExists))

	loaded, err := s.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "base-1", loaded.BaseSHA)
}

func TestStore_LoadErrors(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Load("prop-missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	for _, id := range []string{"", "..", "../etc/passwd", `a\b`} {
		_, err := s.Load(id)
		assert.True(t, errors.Is(err, ErrInvalidID), id)
	}

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{"), 0644))
	_, err = s.Load("broken")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	older := NewProposal(base, "a", "first", sample)
	newer := NewProposal(base.Add(time.Hour), "b", "second", sample)
	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(newer))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "junk.json"), []byte("not json"), 0644))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
}

func TestStore_ListMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
