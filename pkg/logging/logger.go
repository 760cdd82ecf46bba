// Package logging provides the console and session-file logger used by every
// steward component.
//
// Console output is colored and filtered by verbosity. When a session file is
// attached, every message (regardless of verbosity) is also appended to it in
// a plain "[timestamp] [component] [LEVEL] message" format so operators can
// reconstruct a cycle after the fact.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the console verbosity level.
type Level int

const (
	// LevelQuiet shows only errors, warnings and final summaries.
	LevelQuiet Level = iota
	// LevelNormal shows standard cycle progress (default).
	LevelNormal
	// LevelVerbose shows command output tails and git details.
	LevelVerbose
	// LevelDebug shows everything.
	LevelDebug
)

// ParseLevel converts a verbosity name to a Level. Unknown names map to LevelNormal.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "quiet":
		return LevelQuiet
	case "verbose":
		return LevelVerbose
	case "debug":
		return LevelDebug
	default:
		return LevelNormal
	}
}

// ValidLevel reports whether name is a recognized verbosity.
func ValidLevel(name string) bool {
	switch name {
	case "quiet", "normal", "verbose", "debug":
		return true
	}
	return false
}

const (
	colorReset     = "\033[0m"
	colorCyan      = "\033[36m"
	colorSalmon    = "\033[38;5;217m"
	colorYellow    = "\033[33m"
	colorGray      = "\033[90m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
	colorBoldWhite = "\033[1;37m"
)

// sink is shared by a logger and every logger derived from it with With.
type sink struct {
	mu        sync.Mutex
	writer    io.Writer
	file      io.WriteCloser
	stepCount int
}

// Logger writes cycle progress to the console and, optionally, a session file.
type Logger struct {
	level     Level
	component string
	color     bool
	out       *sink
}

// New creates a console logger writing to stdout.
func New(component string, level Level) *Logger {
	return &Logger{
		level:     level,
		component: component,
		color:     true,
		out:       &sink{writer: os.Stdout},
	}
}

// NewWithWriter creates a logger writing uncolored output to w.
func NewWithWriter(component string, level Level, w io.Writer) *Logger {
	return &Logger{
		level:     level,
		component: component,
		out:       &sink{writer: w},
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithWriter("discard", LevelQuiet, io.Discard)
}

// With returns a logger for another component sharing the same sinks.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		level:     l.level,
		component: component,
		color:     l.color,
		out:       l.out,
	}
}

// Level returns the console verbosity.
func (l *Logger) Level() Level {
	return l.level
}

// AttachFile tees every message into f in plain format.
func (l *Logger) AttachFile(f io.WriteCloser) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.file = f
}

// Close closes the attached session file, if any.
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file == nil {
		return nil
	}
	err := l.out.file.Close()
	l.out.file = nil
	return err
}

func (l *Logger) paint(color, s string) string {
	if !l.color || color == "" {
		return s
	}
	return color + s + colorReset
}

// emit writes a console line when min <= level and always records to the file.
func (l *Logger) emit(min Level, fileLevel, color, line string) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.level >= min {
		fmt.Fprintln(l.out.writer, l.paint(color, line))
	}
	if l.out.file != nil {
		ts := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.out.file, "[%s] [%s] [%s] %s\n", ts, l.component, fileLevel, strings.TrimSpace(line))
	}
}

// Header prints a prominent banner, used once per cycle.
func (l *Logger) Header(message string) {
	bar := strings.Repeat("=", 70)
	l.emit(LevelNormal, "INFO", colorBoldWhite, "\n"+bar+"\n  "+message+"\n"+bar)
}

// Section prints a section divider.
func (l *Logger) Section(title string) {
	l.emit(LevelNormal, "INFO", colorCyan, "\n▶ "+title+"\n"+strings.Repeat("─", 50))
}

// Step prints a numbered step.
func (l *Logger) Step(message string) {
	l.out.mu.Lock()
	l.out.stepCount++
	n := l.out.stepCount
	l.out.mu.Unlock()
	l.emit(LevelNormal, "INFO", colorCyan, fmt.Sprintf("[%d] %s", n, message))
}

// Successf prints a success message with a checkmark.
func (l *Logger) Successf(format string, args ...interface{}) {
	l.emit(LevelNormal, "INFO", colorBoldGreen, "✓ "+fmt.Sprintf(format, args...))
}

// Infof prints an informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.emit(LevelNormal, "INFO", colorSalmon, fmt.Sprintf(format, args...))
}

// Warningf prints a warning. Shown even in quiet mode.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.emit(LevelQuiet, "WARN", colorYellow, "⚠ Warning: "+fmt.Sprintf(format, args...))
}

// Errorf prints an error. Shown even in quiet mode.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.emit(LevelQuiet, "ERROR", colorBoldRed, "✗ Error: "+fmt.Sprintf(format, args...))
}

// Verbosef prints detail shown only in verbose mode.
func (l *Logger) Verbosef(format string, args ...interface{}) {
	l.emit(LevelVerbose, "DEBUG", colorGray, "→ "+fmt.Sprintf(format, args...))
}

// Debugf prints debug detail.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.emit(LevelDebug, "DEBUG", colorGray, "[DEBUG] "+fmt.Sprintf(format, args...))
}

// Gate logs the outcome of a validation gate (tests, lint, deploy, health).
func (l *Logger) Gate(name string, passed bool, detail string) {
	if passed {
		l.emit(LevelNormal, "INFO", colorBoldGreen, fmt.Sprintf("  ✓ %s: passed", name))
		return
	}
	l.emit(LevelNormal, "WARN", colorBoldRed, fmt.Sprintf("  ✗ %s: failed", name))
	if detail != "" {
		l.emit(LevelVerbose, "DEBUG", colorGray, "    "+strings.ReplaceAll(detail, "\n", "\n    "))
	}
}

// Git logs a version control operation.
func (l *Logger) Git(operation, details string) {
	l.emit(LevelNormal, "INFO", colorCyan, "  🔀 Git: "+operation)
	if details != "" {
		l.emit(LevelVerbose, "DEBUG", colorGray, "    "+details)
	}
}

// SummaryField is a single key/value row of a summary block.
type SummaryField struct {
	Key   string
	Value string
}

// Summary prints a boxed final summary. It is shown in every mode.
func (l *Logger) Summary(title string, ok bool, fields []SummaryField) {
	bar := strings.Repeat("=", 70)
	status := l.paint(colorBoldGreen, "✓ SUCCESS")
	if !ok {
		status = l.paint(colorBoldRed, "✗ FAILED")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n  %s\n%s\n", bar, title, bar)
	fmt.Fprintf(&b, "  Status: %s\n", status)
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s\n", f.Key, f.Value)
	}
	b.WriteString(bar)

	fileLevel := "INFO"
	if !ok {
		fileLevel = "ERROR"
	}
	l.emit(LevelQuiet, fileLevel, "", b.String())
}
