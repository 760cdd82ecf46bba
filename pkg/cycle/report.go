package cycle

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/steward/pkg/state"
)

// ReportWriter writes one JSON and one markdown report per cycle.
type ReportWriter struct {
	outputDir string
}

// NewReportWriter creates a writer targeting outputDir.
func NewReportWriter(outputDir string) *ReportWriter {
	return &ReportWriter{outputDir: outputDir}
}

// Write stores the reports as "<timestamp>-<flavor>.json" and ".md" and
// returns the JSON path.
func (w *ReportWriter) Write(c *Cycle) (string, error) {
	base := filepath.Join(w.outputDir, fmt.Sprintf("%s-%s", c.Timestamp, c.Flavor))

	if err := state.WriteJSONAtomic(base+".json", c); err != nil {
		return "", fmt.Errorf("failed to write cycle JSON: %w", err)
	}
	if err := state.WriteFileAtomic(base+".md", []byte(Markdown(c)), 0644); err != nil {
		return "", fmt.Errorf("failed to write cycle markdown: %w", err)
	}
	return base + ".json", nil
}

// Markdown renders a human-readable summary of c.
func Markdown(c *Cycle) string {
	var md strings.Builder

	md.WriteString("# Steward Cycle Report\n\n")
	fmt.Fprintf(&md, "**Flavor:** %s\n\n", c.Flavor)
	fmt.Fprintf(&md, "**Outcome:** %s\n\n", c.Outcome)
	fmt.Fprintf(&md, "**Started:** %s\n\n", c.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&md, "**Completed:** %s\n\n", c.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&md, "**Duration:** %s\n\n", c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond))
	if c.Prompt != "" {
		fmt.Fprintf(&md, "**Prompt:** %s\n\n", c.Prompt)
	}
	if c.ProposalID != "" {
		fmt.Fprintf(&md, "**Proposal:** `%s`\n\n", c.ProposalID)
	}

	md.WriteString("## Result\n\n")
	if c.Error != "" {
		fmt.Fprintf(&md, "❌ **Error:** %s\n\n", c.Error)
	} else {
		md.WriteString("✅ **Success**\n\n")
	}
	if c.RolledBack {
		md.WriteString("↩️ Rolled back after a failed health check.\n\n")
	}

	if c.Suggestion != nil {
		md.WriteString("## Suggestion\n\n")
		fmt.Fprintf(&md, "**%s**\n\n", c.Suggestion.Title)
		if c.Suggestion.Summary != "" {
			fmt.Fprintf(&md, "%s\n\n", c.Suggestion.Summary)
		}
	}

	if len(c.Applied) > 0 {
		md.WriteString("## Files Modified\n\n")
		for _, a := range c.Applied {
			fmt.Fprintf(&md, "- `%s` (+%d/-%d lines)\n", a.Path, a.LinesAdded, a.LinesRemoved)
		}
		md.WriteString("\n")
	}

	md.WriteString("## Stages\n\n")
	for _, s := range c.Stages {
		icon := "✅"
		switch s.Status {
		case StatusFailed:
			icon = "❌"
		case StatusSkipped:
			icon = "⏭️"
		}
		fmt.Fprintf(&md, "%s **%s** (%s)", icon, s.Stage, s.Duration.Round(time.Millisecond))
		if s.Detail != "" {
			fmt.Fprintf(&md, ": %s", firstLine(s.Detail))
		}
		md.WriteString("\n")
	}
	md.WriteString("\n")

	md.WriteString("## Revisions\n\n")
	fmt.Fprintf(&md, "- **Start:** `%s`\n", c.StartSHA)
	if c.BaseSHA != "" && c.BaseSHA != c.StartSHA {
		fmt.Fprintf(&md, "- **Base:** `%s`\n", c.BaseSHA)
	}
	if c.Branch != "" {
		fmt.Fprintf(&md, "- **Branch:** `%s`\n", c.Branch)
	}
	if c.Commit != "" {
		fmt.Fprintf(&md, "- **Commit:** `%s` (pushed: %t)\n", c.Commit, c.Pushed)
	}
	if c.LastGood != "" {
		fmt.Fprintf(&md, "- **Last good:** `%s`\n", c.LastGood)
	}
	if c.Tag != "" {
		fmt.Fprintf(&md, "- **Tag:** `%s`\n", c.Tag)
	}
	return md.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
