// Package state describes the on-disk layout of the agent's state directory
// and provides atomic file writes for everything stored in it.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDirName is the state directory relative to the repository root.
const DefaultDirName = "codex"

// ignoreRules keeps runtime state out of "git add -A" so a publish never
// commits queue files, proposals or scratch patches.
const ignoreRules = `# steward runtime state
.gitignore
.last_good_sha
.lock
.tmp-*
queue/
inprogress/
processed/
proposals/
reports/
`

// Layout resolves paths inside the state directory.
type Layout struct {
	Root string
}

// New returns the layout for dir, resolved against repoRoot when relative.
func New(repoRoot, dir string) Layout {
	if dir == "" {
		dir = DefaultDirName
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return Layout{Root: dir}
}

func (l Layout) QueueDir() string      { return filepath.Join(l.Root, "queue") }
func (l Layout) InProgressDir() string { return filepath.Join(l.Root, "inprogress") }
func (l Layout) ProcessedDir() string  { return filepath.Join(l.Root, "processed") }
func (l Layout) ProposalsDir() string  { return filepath.Join(l.Root, "proposals") }
func (l Layout) ReportsDir() string    { return filepath.Join(l.Root, "reports") }
func (l Layout) LastGoodFile() string  { return filepath.Join(l.Root, ".last_good_sha") }
func (l Layout) LockFile() string      { return filepath.Join(l.Root, ".lock") }

// Ensure creates every state directory and the ignore file.
// An existing ignore file is left untouched.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.QueueDir(), l.InProgressDir(), l.ProcessedDir(), l.ProposalsDir(), l.ReportsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	ignore := filepath.Join(l.Root, ".gitignore")
	if _, err := os.Stat(ignore); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", ignore, err)
	}
	return WriteFileAtomic(ignore, []byte(ignoreRules), 0644)
}
