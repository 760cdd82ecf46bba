// Package proposals persists AI suggestions that were proposed but not yet
// applied, so a human can review them before running apply.
package proposals

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/steward/pkg/metrics"
	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/state"
)

var (
	// ErrNotFound is returned when no proposal has the requested id.
	ErrNotFound = errors.New("proposal not found")
	// ErrExists is returned when saving would overwrite a stored proposal.
	ErrExists = errors.New("proposal already exists")
	// ErrInvalidID is returned for ids that cannot name a stored proposal.
	ErrInvalidID = errors.New("invalid proposal id")
)

// Proposal is a stored, not yet applied suggestion anchored to a base revision.
type Proposal struct {
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	BaseSHA    string              `json:"base_sha"`
	Prompt     string              `json:"prompt"`
	Suggestion proposal.Suggestion `json:"suggestion"`
	Files      []string            `json:"files"`
}

// Summary is what propose reports back to its caller.
type Summary struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Files   []string `json:"files"`
}

// Summary returns the caller-facing view of p.
func (p *Proposal) Summary() Summary {
	files := p.Files
	if files == nil {
		files = []string{}
	}
	return Summary{ID: p.ID, Title: p.Suggestion.Title, Summary: p.Suggestion.Summary, Files: files}
}

// NewProposal builds a record for suggestion with a fresh id.
func NewProposal(now time.Time, baseSHA, prompt string, s proposal.Suggestion) *Proposal {
	if s.Diffs == nil {
		s.Diffs = []proposal.FileDiff{}
	}
	return &Proposal{
		ID:         NewID(now),
		CreatedAt:  now.UTC(),
		BaseSHA:    baseSHA,
		Prompt:     prompt,
		Suggestion: s,
		Files:      s.Files(),
	}
}

// NewID returns "prop-<UTC yyyymmdd-HHMMSS>-<8 hex>". The random suffix keeps
// ids unique when two proposals land in the same second.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("prop-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// Store keeps one JSON document per proposal in a directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save persists p. A stored proposal is never overwritten so its base
// revision stays fixed once written.
func (s *Store) Save(p *Proposal) error {
	path, err := s.path(p.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	if err := state.WriteJSONAtomic(path, p); err != nil {
		return fmt.Errorf("failed to save proposal %s: %w", p.ID, err)
	}
	metrics.ProposalsStoredTotal.Inc()
	return nil
}

// Load returns the proposal with the given id.
func (s *Store) Load(id string) (*Proposal, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read proposal %s: %w", id, err)
	}

	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal %s: %w", id, err)
	}
	if p.Suggestion.Diffs == nil {
		p.Suggestion.Diffs = []proposal.FileDiff{}
	}
	return &p, nil
}

// List returns every readable proposal, newest first. Unreadable files are
// skipped.
func (s *Store) List() ([]*Proposal, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}

	var out []*Proposal
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		p, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
