package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "work", "lbsync.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if got := Holder(lockPath); got != os.Getpid() {
		t.Fatalf("Holder() = %d, want %d", got, os.Getpid())
	}
	if l.Path() != lockPath {
		t.Fatalf("Path() = %q, want %q", l.Path(), lockPath)
	}
}

func TestAcquireWhileHeld(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "lbsync.lock")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts.
	_, err = Acquire(lockPath)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || held.PID != os.Getpid() {
		t.Fatalf("second Acquire error = %#v, want HeldError with our pid", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireEmptyPath(t *testing.T) {
	if _, err := Acquire(""); err == nil {
		t.Fatal("Acquire(\"\") expected error")
	}
}

func TestHolderMissingOrGarbage(t *testing.T) {
	dir := t.TempDir()
	if got := Holder(filepath.Join(dir, "missing")); got != 0 {
		t.Fatalf("Holder(missing) = %d, want 0", got)
	}
	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := Holder(garbage); got != 0 {
		t.Fatalf("Holder(garbage) = %d, want 0", got)
	}
}
