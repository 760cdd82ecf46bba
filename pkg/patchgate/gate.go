// Package patchgate applies AI-authored diffs to the working tree under a
// path safety policy.
//
// Application is sequential and deliberately not transactional: the batch
// stops at the first rejected or failing diff and every diff applied before
// it stays applied. Callers inspect the repository (pending changes) or the
// returned Report instead of assuming all-or-nothing, and reset the tree
// themselves when they need to.
package patchgate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/metrics"
	"github.com/entrhq/steward/pkg/proposal"
)

// ViolationKind identifies the policy rule that rejected a batch.
type ViolationKind string

const (
	ViolationProtected  ViolationKind = "protected"
	ViolationNotAllowed ViolationKind = "not_allowed"
	ViolationBudget     ViolationKind = "budget"
	ViolationMalformed  ViolationKind = "malformed"
)

// PolicyViolation is returned when a diff targets a path the policy forbids.
type PolicyViolation struct {
	Kind    ViolationKind
	Path    string
	Pattern string
	Message string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Kind, e.Message)
}

// ApplyFailure is returned when the patch tool rejects a diff.
type ApplyFailure struct {
	Path string
	Err  error
}

func (e *ApplyFailure) Error() string {
	return fmt.Sprintf("could not apply diff for %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *ApplyFailure) Unwrap() error {
	return e.Err
}

// Applier applies a patch file to the working tree.
type Applier interface {
	ApplyPatch(ctx context.Context, patchFile string) error
}

// Applied describes one diff that made it into the working tree.
type Applied struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Report summarizes a batch. It is returned even when Apply fails.
type Report struct {
	Applied []Applied `json:"applied"`
	Skipped int       `json:"skipped"`
}

// Files lists the applied paths.
func (r *Report) Files() []string {
	files := make([]string, 0, len(r.Applied))
	for _, a := range r.Applied {
		files = append(files, a.Path)
	}
	return files
}

// Gate enforces a Policy while applying diffs.
type Gate struct {
	policy     Policy
	matcher    *PatternMatcher
	applier    Applier
	scratchDir string
	log        *logging.Logger
}

// New creates a gate. Scratch patch files are written under scratchDir.
func New(policy Policy, applier Applier, scratchDir string, log *logging.Logger) (*Gate, error) {
	matcher, err := NewPatternMatcher(policy.Protected, policy.Allowed)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Gate{
		policy:     policy,
		matcher:    matcher,
		applier:    applier,
		scratchDir: scratchDir,
		log:        log,
	}, nil
}

// Apply validates and applies diffs in order, stopping at the first
// rejection or application failure. Empty diffs are skipped.
func (g *Gate) Apply(ctx context.Context, diffs []proposal.FileDiff) (*Report, error) {
	report := &Report{Applied: []Applied{}}
	touched := make(map[string]struct{})
	linesChanged := 0

	for _, d := range diffs {
		if d.Empty() {
			report.Skipped++
			metrics.PatchDiffsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		path := NormalizePath(d.Path)
		parsed := parseDiff(d.UnifiedDiff)
		if len(parsed.targets) == 0 {
			err := &PolicyViolation{
				Kind:    ViolationMalformed,
				Path:    path,
				Message: fmt.Sprintf("diff for '%s' names no files", path),
			}
			g.log.Warningf("rejecting patch batch: %v", err)
			metrics.PatchDiffsTotal.WithLabelValues("rejected").Inc()
			return report, err
		}

		if err := g.check(path, parsed.targets); err != nil {
			g.log.Warningf("rejecting patch batch: %v", err)
			metrics.PatchDiffsTotal.WithLabelValues("rejected").Inc()
			return report, err
		}

		if err := g.checkBudget(path, parsed, touched, linesChanged); err != nil {
			g.log.Warningf("rejecting patch batch: %v", err)
			metrics.PatchDiffsTotal.WithLabelValues("rejected").Inc()
			return report, err
		}

		if err := g.applyOne(ctx, path, d.UnifiedDiff); err != nil {
			g.log.Warningf("%v", err)
			metrics.PatchDiffsTotal.WithLabelValues("failed").Inc()
			return report, err
		}

		touched[path] = struct{}{}
		for _, t := range parsed.targets {
			touched[t] = struct{}{}
		}
		linesChanged += parsed.added + parsed.removed
		report.Applied = append(report.Applied, Applied{Path: path, LinesAdded: parsed.added, LinesRemoved: parsed.removed})
		metrics.PatchDiffsTotal.WithLabelValues("applied").Inc()
		g.log.Infof("  📝 Patched: %s (+%d/-%d)", path, parsed.added, parsed.removed)
	}

	return report, nil
}

// check applies the path rules to the declared path and to every file the
// diff headers name, since the headers decide what the patch tool touches.
func (g *Gate) check(path string, targets []string) error {
	paths := append([]string{path}, targets...)
	for _, p := range paths {
		if pattern, ok := g.matcher.ProtectedBy(p); ok {
			return &PolicyViolation{
				Kind:    ViolationProtected,
				Path:    p,
				Pattern: pattern,
				Message: fmt.Sprintf("path '%s' is protected by '%s'", p, pattern),
			}
		}
	}
	for _, p := range paths {
		if !g.matcher.InAllowList(p) {
			return &PolicyViolation{
				Kind:    ViolationNotAllowed,
				Path:    p,
				Message: fmt.Sprintf("path '%s' does not match allowed patterns", p),
			}
		}
	}
	return nil
}

func (g *Gate) checkBudget(path string, parsed parsedDiff, touched map[string]struct{}, linesChanged int) error {
	if g.policy.MaxFiles > 0 {
		fresh := make(map[string]struct{})
		for _, p := range append([]string{path}, parsed.targets...) {
			if _, ok := touched[p]; !ok {
				fresh[p] = struct{}{}
			}
		}
		if len(touched)+len(fresh) > g.policy.MaxFiles {
			return &PolicyViolation{
				Kind:    ViolationBudget,
				Path:    path,
				Message: fmt.Sprintf("maximum file count exceeded (%d)", g.policy.MaxFiles),
			}
		}
	}

	if g.policy.MaxLinesChanged > 0 {
		total := linesChanged + parsed.added + parsed.removed
		if total > g.policy.MaxLinesChanged {
			return &PolicyViolation{
				Kind:    ViolationBudget,
				Path:    path,
				Message: fmt.Sprintf("maximum lines changed exceeded (%d)", g.policy.MaxLinesChanged),
			}
		}
	}
	return nil
}

func (g *Gate) applyOne(ctx context.Context, path, unified string) error {
	if err := os.MkdirAll(g.scratchDir, 0755); err != nil {
		return &ApplyFailure{Path: path, Err: fmt.Errorf("failed to create scratch dir: %w", err)}
	}

	tmp, err := os.CreateTemp(g.scratchDir, ".tmp-*.patch")
	if err != nil {
		return &ApplyFailure{Path: path, Err: fmt.Errorf("failed to create scratch patch: %w", err)}
	}
	defer os.Remove(tmp.Name())

	text := strings.TrimSpace(unified) + "\n"
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return &ApplyFailure{Path: path, Err: fmt.Errorf("failed to write scratch patch: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &ApplyFailure{Path: path, Err: fmt.Errorf("failed to close scratch patch: %w", err)}
	}

	if err := g.applier.ApplyPatch(ctx, tmp.Name()); err != nil {
		return &ApplyFailure{Path: path, Err: err}
	}
	return nil
}

type parsedDiff struct {
	targets []string
	added   int
	removed int
}

func (p *parsedDiff) addTarget(name string, seen map[string]bool) {
	t := stripPrefix(name)
	if t == "" || seen[t] {
		return
	}
	seen[t] = true
	p.targets = append(p.targets, t)
}

// parseDiff extracts target paths and line counts. go-diff reads well-formed
// diffs; a header scan that follows git apply's rules runs on every diff as
// well, so text go-diff rejects is still fully checked. Targets are the union
// of both and counts the larger of both.
func parseDiff(unified string) parsedDiff {
	var out parsedDiff
	seen := make(map[string]bool)
	text := strings.TrimSpace(unified) + "\n"

	if fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles(); err == nil {
		for _, fd := range fileDiffs {
			out.addTarget(fd.OrigName, seen)
			out.addTarget(fd.NewName, seen)
			for _, hunk := range fd.Hunks {
				for _, line := range strings.Split(string(hunk.Body), "\n") {
					if strings.HasPrefix(line, "+") {
						out.added++
					} else if strings.HasPrefix(line, "-") {
						out.removed++
					}
				}
			}
		}
	}

	scanned := scanDiff(text)
	for _, t := range scanned.targets {
		out.addTarget(t, seen)
	}
	out.added = max(out.added, scanned.added)
	out.removed = max(out.removed, scanned.removed)
	return out
}

// scanDiff reads file headers and hunk bodies line by line. Hunk bodies are
// consumed by the counts in their "@@" header, so content lines that look
// like headers are not mistaken for them.
func scanDiff(text string) parsedDiff {
	var out parsedDiff
	oldLeft, newLeft := 0, 0

	for _, line := range strings.Split(text, "\n") {
		if oldLeft > 0 || newLeft > 0 {
			switch {
			case strings.HasPrefix(line, "+"):
				out.added++
				newLeft--
			case strings.HasPrefix(line, "-"):
				out.removed++
				oldLeft--
			case strings.HasPrefix(line, `\`):
			default:
				oldLeft--
				newLeft--
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "@@ "):
			oldLeft, newLeft = hunkCounts(line)
		case strings.HasPrefix(line, "--- "):
			out.targets = append(out.targets, line[4:])
		case strings.HasPrefix(line, "+++ "):
			out.targets = append(out.targets, line[4:])
		case strings.HasPrefix(line, "diff --git "):
			rest := line[len("diff --git "):]
			if i := strings.LastIndex(rest, " b/"); i >= 0 {
				out.targets = append(out.targets, rest[:i], rest[i+1:])
			}
		case strings.HasPrefix(line, "rename from "), strings.HasPrefix(line, "copy from "):
			out.targets = append(out.targets, line[strings.Index(line, "from ")+5:])
		case strings.HasPrefix(line, "rename to "), strings.HasPrefix(line, "copy to "):
			out.targets = append(out.targets, line[strings.Index(line, "to ")+3:])
		}
	}
	return out
}

// hunkCounts parses "@@ -a,b +c,d @@" into the old and new line counts.
// A missing count means one line.
func hunkCounts(header string) (int, int) {
	fields := strings.Fields(header)
	if len(fields) < 3 {
		return 0, 0
	}
	return rangeCount(fields[1], "-"), rangeCount(fields[2], "+")
}

func rangeCount(r, sign string) int {
	r = strings.TrimPrefix(r, sign)
	_, count, found := strings.Cut(r, ",")
	if !found {
		return 1
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// stripPrefix turns "a/pkg/x.go" or "b/pkg/x.go" into "pkg/x.go".
func stripPrefix(name string) string {
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(strings.TrimSpace(name), `"`)
	if name == "" || name == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return NormalizePath(name)
}
