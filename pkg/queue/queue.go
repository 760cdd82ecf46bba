// Package queue drains the durable inbox of prompt jobs.
//
// A job is claimed by renaming it from the inbox into the in-progress
// directory before its cycle starts, and moved to the archive once the cycle
// returns, whatever the outcome. A job is therefore attempted at most once;
// a crash mid-cycle leaves it in the in-progress directory, where Recover
// archives it on the next start without running it again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/metrics"
	"github.com/entrhq/steward/pkg/state"
)

// Job is the content of one queue file.
type Job struct {
	Prompt string `json:"prompt"`
}

// PromptRunner runs one ad hoc prompt cycle.
type PromptRunner interface {
	RunPrompt(ctx context.Context, prompt string) error
}

// PromptRunnerFunc adapts a function to PromptRunner.
type PromptRunnerFunc func(ctx context.Context, prompt string) error

// RunPrompt calls f.
func (f PromptRunnerFunc) RunPrompt(ctx context.Context, prompt string) error {
	return f(ctx, prompt)
}

// Stats summarizes one Drain.
type Stats struct {
	Completed int
	Failed    int
	Skipped   int
	Invalid   int
}

// Total returns the number of jobs taken from the inbox.
func (s Stats) Total() int {
	return s.Completed + s.Failed + s.Skipped + s.Invalid
}

// Processor consumes jobs from one state directory. It assumes a single
// consumer per inbox.
type Processor struct {
	inbox      string
	inProgress string
	archive    string
	runner     PromptRunner
	log        *logging.Logger
}

// NewProcessor returns a processor over the layout's queue directories.
func NewProcessor(layout state.Layout, runner PromptRunner, log *logging.Logger) *Processor {
	if log == nil {
		log = logging.Discard()
	}
	return &Processor{
		inbox:      layout.QueueDir(),
		inProgress: layout.InProgressDir(),
		archive:    layout.ProcessedDir(),
		runner:     runner,
		log:        log,
	}
}

// Pending lists job file names in the inbox in processing order.
func (p *Processor) Pending() ([]string, error) {
	return listJobs(p.inbox)
}

// Drain processes every job currently in the inbox, one at a time. Per-job
// failures are logged and counted; only ctx cancellation stops the batch.
func (p *Processor) Drain(ctx context.Context) (Stats, error) {
	var stats Stats

	for _, dir := range []string{p.inbox, p.inProgress, p.archive} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return stats, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	names, err := listJobs(p.inbox)
	if err != nil {
		return stats, err
	}
	if len(names) > 0 {
		p.log.Infof("📥 %d queued job(s)", len(names))
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		claimed := filepath.Join(p.inProgress, name)
		if err := os.Rename(filepath.Join(p.inbox, name), claimed); err != nil {
			// Removed by someone else between listing and claiming.
			p.log.Warningf("could not claim job %s: %v", name, err)
			continue
		}

		result := p.process(ctx, name, claimed)
		switch result {
		case "completed":
			stats.Completed++
		case "failed":
			stats.Failed++
		case "skipped":
			stats.Skipped++
		case "invalid":
			stats.Invalid++
		}
		metrics.QueueJobsTotal.WithLabelValues(result).Inc()

		if err := p.archiveFile(claimed, name); err != nil {
			p.log.Errorf("could not archive job %s: %v", name, err)
		}
	}
	return stats, nil
}

func (p *Processor) process(ctx context.Context, name, path string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("job %s panicked: %v", name, r)
			result = "failed"
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		p.log.Errorf("job %s unreadable: %v", name, err)
		return "invalid"
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		p.log.Errorf("job %s is not valid JSON: %v", name, err)
		return "invalid"
	}

	prompt := strings.TrimSpace(job.Prompt)
	if prompt == "" {
		p.log.Infof("⏭️  job %s has an empty prompt, skipping", name)
		return "skipped"
	}

	p.log.Infof("▶️  job %s", name)
	if err := p.runner.RunPrompt(ctx, prompt); err != nil {
		p.log.Errorf("job %s failed: %v", name, err)
		return "failed"
	}
	p.log.Successf("job %s completed", name)
	return "completed"
}

// Recover archives jobs left in the in-progress directory by a crashed
// process. They are not run again.
func (p *Processor) Recover() (int, error) {
	names, err := listJobs(p.inProgress)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(p.archive, 0755); err != nil {
		return 0, fmt.Errorf("ensure dir %s: %w", p.archive, err)
	}

	recovered := 0
	for _, name := range names {
		p.log.Warningf("job %s was interrupted by a previous run; archiving without rerun", name)
		if err := p.archiveFile(filepath.Join(p.inProgress, name), name); err != nil {
			p.log.Errorf("could not archive orphaned job %s: %v", name, err)
			continue
		}
		metrics.QueueJobsTotal.WithLabelValues("orphaned").Inc()
		recovered++
	}
	return recovered, nil
}

// archiveFile moves src into the archive, suffixing the name when an earlier
// job with the same name was already archived.
func (p *Processor) archiveFile(src, name string) error {
	dst := filepath.Join(p.archive, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(p.archive, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	return os.Rename(src, dst)
}

// Watch sends on wake whenever a job file appears in the inbox. Sends never
// block; a pending wake-up absorbs later ones. Watch returns when ctx is done.
func (p *Processor) Watch(ctx context.Context, wake chan<- struct{}) error {
	if err := os.MkdirAll(p.inbox, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", p.inbox, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.inbox); err != nil {
		return fmt.Errorf("watch %s: %w", p.inbox, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isJobName(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				p.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Warningf("fsnotify error: %v", err)
		}
	}
}

// Enqueue writes a new job into dir atomically and returns its file name.
// Names sort chronologically.
func Enqueue(dir, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt required")
	}
	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%09d-%s.json",
		now.Format("20060102-150405"), now.Nanosecond(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := state.WriteJSONAtomic(filepath.Join(dir, name), Job{Prompt: prompt}); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return name, nil
}

func isJobName(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func listJobs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isJobName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
