package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockFileName = "run.lock"

// RunLock prevents two orchestration runs from operating on the same
// project concurrently. Stale locks left by dead processes are cleaned
// up automatically.
type RunLock struct {
	path string
}

// NewRunLock creates a lock manager for the given project directory.
func NewRunLock(dir string) *RunLock {
	return &RunLock{path: filepath.Join(dir, lockFileName)}
}

// Acquire attempts to take the lock, writing this process's PID.
// Returns an error if another live process holds it.
func (l *RunLock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_, writeErr := fmt.Fprintf(f, "%d", os.Getpid())
		f.Close()
		if writeErr != nil {
			os.Remove(l.path)
			return fmt.Errorf("failed to write lock file: %w", writeErr)
		}
		return nil
	}

	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	data, readErr := os.ReadFile(l.path)
	if readErr != nil {
		return fmt.Errorf("failed to read existing lock file: %w", readErr)
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr != nil {
		// Invalid PID, treat as stale.
		if removeErr := os.Remove(l.path); removeErr != nil {
			return fmt.Errorf("failed to remove invalid lock file: %w", removeErr)
		}
		return l.retryAcquire()
	}

	if processExists(pid) {
		return fmt.Errorf("a run is already in progress (PID %d)", pid)
	}

	if removeErr := os.Remove(l.path); removeErr != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", removeErr)
	}
	return l.retryAcquire()
}

// retryAcquire tries once more after a stale lock was removed.
func (l *RunLock) retryAcquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("lock acquired by another process during retry")
		}
		return fmt.Errorf("failed to create lock file on retry: %w", err)
	}

	_, writeErr := fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	if writeErr != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file on retry: %w", writeErr)
	}
	return nil
}

// Release removes the lock file. Idempotent.
func (l *RunLock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// processExists checks whether a PID belongs to a live process using
// signal 0.
func processExists(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
