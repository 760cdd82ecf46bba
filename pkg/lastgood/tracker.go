// Package lastgood persists the revision of the most recent cycle that passed
// every gate.
package lastgood

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/entrhq/steward/pkg/metrics"
	"github.com/entrhq/steward/pkg/state"
)

// Tracker reads and writes the last-good revision pointer.
type Tracker struct {
	path string
}

// New returns a tracker backed by the file at path.
func New(path string) *Tracker {
	return &Tracker{path: path}
}

// Path returns the backing file.
func (t *Tracker) Path() string {
	return t.path
}

// Read returns the stored revision, or "" when no cycle has succeeded yet.
func (t *Tracker) Read() (string, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last-good revision: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write replaces the stored revision unconditionally.
func (t *Tracker) Write(rev string) error {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return errors.New("refusing to record an empty last-good revision")
	}
	if err := state.WriteFileAtomic(t.path, []byte(rev+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write last-good revision: %w", err)
	}
	metrics.LastGoodTimestamp.Set(float64(time.Now().Unix()))
	return nil
}
