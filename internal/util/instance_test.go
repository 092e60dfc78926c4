package util

import (
	"errors"
	"os"
	"strconv"
	"testing"
)

func TestInstanceLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := AcquireInstanceLock(dir); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	data, err := os.ReadFile(first.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("expected pid %d in lock file, got %q", os.Getpid(), data)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := AcquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("reacquire after close: %v", err)
	}
	defer second.Close()
}
