// Package lock keeps two energy-bench processes from mutating the machine at
// the same time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned when another process holds the lock.
type ErrHeld struct {
	HolderPID int
	Path      string
}

// Error implements the error interface.
func (e *ErrHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another energy-bench instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another energy-bench instance is running (check: lsof %s)", e.Path)
}

// Lock is an advisory flock on a file that also records the holder's PID.
// It is not safe for concurrent use by multiple goroutines.
type Lock struct {
	path string
	file *os.File
}

// New creates a lock on path without acquiring it.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Held reports whether this instance holds the lock.
func (l *Lock) Held() bool {
	return l.file != nil
}

// Acquire takes the lock without blocking. Acquiring a held lock is a no-op.
func (l *Lock) Acquire() error {
	if l.file != nil {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrHeld{HolderPID: l.HolderPID(), Path: l.path}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	// The PID is informational; a failed write does not give up the lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	l.file = f
	return nil
}

// Release gives up the lock. Releasing a lock that is not held is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// HolderPID returns the PID recorded in the lock file, 0 if unknown.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
