// Package proposal requests patch suggestions from the AI proposal service.
//
// A Proposer never fails: transport errors, non-2xx responses and answers
// that do not contain a usable JSON document all degrade to the empty
// NoChange suggestion, so the orchestrator never special-cases a missing
// suggestion.
package proposal

import (
	"context"
	"strings"
)

// FileDiff is a unified diff against a single path.
type FileDiff struct {
	Path        string `json:"path"`
	UnifiedDiff string `json:"unified_diff"`
}

// Empty reports whether the diff carries no content and should be skipped.
func (d FileDiff) Empty() bool {
	return strings.TrimSpace(d.UnifiedDiff) == ""
}

// Suggestion is one AI-authored change set.
type Suggestion struct {
	Title   string     `json:"title"`
	Summary string     `json:"summary"`
	Diffs   []FileDiff `json:"diffs"`
}

// NoChangeTitle marks the fallback suggestion.
const NoChangeTitle = "no-change"

// NoChange returns the fallback suggestion carrying reason as its summary.
func NoChange(reason string) Suggestion {
	return Suggestion{Title: NoChangeTitle, Summary: reason, Diffs: []FileDiff{}}
}

// Unavailable reports whether s is the fallback for an unreachable service.
func (s Suggestion) Unavailable() bool {
	return s.Title == NoChangeTitle && s.Summary == UnavailableReason
}

// HasDiffs reports whether at least one diff has content.
func (s Suggestion) HasDiffs() bool {
	for _, d := range s.Diffs {
		if !d.Empty() {
			return true
		}
	}
	return false
}

// Files lists the non-empty paths of the suggestion in order.
func (s Suggestion) Files() []string {
	files := make([]string, 0, len(s.Diffs))
	for _, d := range s.Diffs {
		if p := strings.TrimSpace(d.Path); p != "" {
			files = append(files, p)
		}
	}
	return files
}

// TitleOr returns the title or def when empty.
func (s Suggestion) TitleOr(def string) string {
	if strings.TrimSpace(s.Title) == "" {
		return def
	}
	return s.Title
}

// SummaryOr returns the summary or def when empty.
func (s Suggestion) SummaryOr(def string) string {
	if strings.TrimSpace(s.Summary) == "" {
		return def
	}
	return s.Summary
}

// Request is a single proposal request.
type Request struct {
	Prompt  string
	Context map[string]any
}

// Proposer produces suggestions. Implementations must always return a
// well-formed Suggestion.
type Proposer interface {
	Propose(ctx context.Context, req Request) Suggestion
}

// SystemPrompt instructs the model about the expected answer format.
const SystemPrompt = "You are a code auditor and refactoring agent. " +
	"(1) Propose a minimal patch that fixes existing test failures; " +
	"(2) when tests pass, propose safe optimizations only; " +
	"(3) change only allowed paths; (4) never touch .env or secret files; " +
	"(5) answer with JSON only: {\"title\", \"summary\", \"diffs\": [{\"path\", \"unified_diff\"}]}."
