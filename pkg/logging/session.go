package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	// Global session ID for the current process
	sessionID     string
	sessionIDOnce sync.Once
)

// SessionID returns the id shared by every log file of this process.
func SessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.New().String()
	})
	return sessionID
}

// DefaultLogDir returns ~/.steward/logs.
func DefaultLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".steward", "logs"), nil
}

// OpenSessionFile opens <dir>/<session-id>-steward.log in append mode.
// Multiple components of one process share the same file.
func OpenSessionFile(dir string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-steward.log", SessionID()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log file: %w", err)
	}
	return f, path, nil
}

// AttachSessionFile opens the session file in dir and tees l into it.
// On failure the logger keeps writing to the console only and a warning is
// printed, so a read-only home directory never stops a cycle.
func (l *Logger) AttachSessionFile(dir string) string {
	f, path, err := OpenSessionFile(dir)
	if err != nil {
		l.Warningf("file logging disabled: %v", err)
		return ""
	}
	l.AttachFile(f)
	return path
}
