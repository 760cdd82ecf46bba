package patchgate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Policy describes which paths AI-authored diffs may touch.
type Policy struct {
	// Protected paths are never modified. Protection beats Allowed.
	Protected []string `yaml:"protected_paths" json:"protected_paths"`
	// Allowed, when non-empty, is the exhaustive list of modifiable paths.
	Allowed []string `yaml:"allow_paths" json:"allow_paths"`

	// MaxFiles caps the number of files one batch may touch (0 = unlimited).
	MaxFiles int `yaml:"max_files" json:"max_files"`
	// MaxLinesChanged caps added+removed lines per batch (0 = unlimited).
	MaxLinesChanged int `yaml:"max_lines_changed" json:"max_lines_changed"`
}

type compiledPattern struct {
	source string
	glob   glob.Glob
}

// PatternMatcher handles glob pattern matching for path policy.
// Patterns are compiled without separators so "*" also crosses "/",
// matching shell fnmatch semantics.
type PatternMatcher struct {
	protected []compiledPattern
	allowed   []compiledPattern
}

// NewPatternMatcher compiles the protected and allowed patterns.
func NewPatternMatcher(protected, allowed []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{}

	for _, pattern := range protected {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid protected pattern '%s': %w", pattern, err)
		}
		pm.protected = append(pm.protected, compiledPattern{source: pattern, glob: g})
	}

	for _, pattern := range allowed {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern '%s': %w", pattern, err)
		}
		pm.allowed = append(pm.allowed, compiledPattern{source: pattern, glob: g})
	}

	return pm, nil
}

// ProtectedBy returns the first protected pattern matching path.
func (pm *PatternMatcher) ProtectedBy(path string) (string, bool) {
	path = NormalizePath(path)
	for _, p := range pm.protected {
		if p.glob.Match(path) {
			return p.source, true
		}
	}
	return "", false
}

// InAllowList reports whether path is covered by the allow-list.
// An empty allow-list covers every path.
func (pm *PatternMatcher) InAllowList(path string) bool {
	if len(pm.allowed) == 0 {
		return true
	}
	path = NormalizePath(path)
	for _, p := range pm.allowed {
		if p.glob.Match(path) {
			return true
		}
	}
	return false
}

// IsAllowed returns true if the path may be modified.
func (pm *PatternMatcher) IsAllowed(path string) bool {
	if _, protected := pm.ProtectedBy(path); protected {
		return false
	}
	return pm.InAllowList(path)
}

// NormalizePath cleans a repository-relative path and uses forward slashes.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(path))
}
