// Package lock serializes cycles against one repository working tree, both
// inside a process and across processes sharing the same state directory.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

// ErrBusy is returned by TryAcquire when another holder has the lock.
var ErrBusy = errors.New("repository is locked by another cycle")

// DefaultPollInterval is how often Acquire retries a held lock.
const DefaultPollInterval = 250 * time.Millisecond

type keyedMutex struct {
	ch chan struct{}
}

// registry maps lock file paths to in-process mutexes. Waiters in the same
// process block on the channel; only cross-process contention polls flock.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*keyedMutex)
)

func mutexFor(key string) *keyedMutex {
	registryMu.Lock()
	defer registryMu.Unlock()

	if m, ok := registry[key]; ok {
		return m
	}
	m := &keyedMutex{ch: make(chan struct{}, 1)}
	registry[key] = m
	return m
}

// RepoLock is a single-flight lock keyed on a lock file path.
type RepoLock struct {
	path  string
	local *keyedMutex
	Poll  time.Duration

	mu   sync.Mutex
	file *os.File
}

// New returns a lock backed by the file at path.
func New(path string) *RepoLock {
	return &RepoLock{path: path, local: mutexFor(path), Poll: DefaultPollInterval}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *RepoLock) Acquire(ctx context.Context) error {
	select {
	case l.local.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire repository lock: %w", ctx.Err())
	}

	poll := l.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	for {
		err := l.tryFile()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBusy) {
			<-l.local.ch
			return err
		}
		select {
		case <-ctx.Done():
			<-l.local.ch
			return fmt.Errorf("acquire repository lock: %w", ctx.Err())
		case <-time.After(poll):
		}
	}
}

// TryAcquire takes the lock without waiting.
func (l *RepoLock) TryAcquire() error {
	select {
	case l.local.ch <- struct{}{}:
	default:
		return ErrBusy
	}
	if err := l.tryFile(); err != nil {
		<-l.local.ch
		return err
	}
	return nil
}

func (l *RepoLock) tryFile() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrBusy
		}
		return fmt.Errorf("flock: %w", err)
	}

	// Record the holder for operators inspecting a stuck lock.
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	l.mu.Lock()
	l.file = f
	l.mu.Unlock()
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *RepoLock) Release() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()

	if f == nil {
		return nil
	}
	defer func() { <-l.local.ch }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
