package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the instance lock.
var ErrAlreadyRunning = errors.New("another signalbot instance is running")

const instanceLockName = "signalbot.lock"

// InstanceLock is an exclusive lock on a data directory.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireInstanceLock takes the lock file in dir without blocking and records
// the current PID in it.
func AcquireInstanceLock(dir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, instanceLockName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		holder, _ := os.ReadFile(path)
		if len(holder) > 0 {
			return nil, fmt.Errorf("%w (pid %s)", ErrAlreadyRunning, holder)
		}
		return nil, ErrAlreadyRunning
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &InstanceLock{fl: fl}, nil
}

// Path is the lock file location.
func (l *InstanceLock) Path() string { return l.fl.Path() }

// Close releases the lock. The file is left in place.
func (l *InstanceLock) Close() error { return l.fl.Unlock() }

var _ io.Closer = (*InstanceLock)(nil)
