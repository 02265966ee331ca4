package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewRunLock(dir)

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	if !strings.Contains(string(data), "") && len(data) == 0 {
		t.Error("lock file should contain a PID")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second release: %v", err)
	}
}

func TestRunLock_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	if err := NewRunLock(dir).Acquire(); err != nil {
		t.Fatal(err)
	}

	// The current process holds it, so a second acquire fails.
	err := NewRunLock(dir).Acquire()
	if err == nil || !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("err = %v, want run already in progress", err)
	}
}

func TestRunLock_StaleLockRecovered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)

	// PID that cannot belong to a live process.
	if err := os.WriteFile(path, []byte("999999999"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := NewRunLock(dir).Acquire(); err != nil {
		t.Errorf("stale lock should be recovered, got: %v", err)
	}
}

func TestRunLock_InvalidPIDTreatedAsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)

	if err := os.WriteFile(path, []byte("not-a-pid"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := NewRunLock(dir).Acquire(); err != nil {
		t.Errorf("invalid lock should be recovered, got: %v", err)
	}
}
