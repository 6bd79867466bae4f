package store

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// InstanceLock is an advisory file lock that keeps a second service instance
// from opening the same store concurrently. SQLite here has a single-writer
// model, so the whole process takes the lock once at startup and holds it
// for its lifetime.
type InstanceLock struct {
	file *os.File
}

// AcquireLock takes an exclusive non-blocking flock on path, creating parent
// directories as needed. It fails immediately if another instance holds it.
func AcquireLock(path string) (*InstanceLock, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating lock directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("another instance is already running (lock %s held): %w", path, err)
	}

	// Record the owning PID for operators; the flock is what matters.
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "%d\n", os.Getpid())
		file.Sync()
	}

	return &InstanceLock{file: file}, nil
}

// Release drops the lock and closes the file. Safe to call once.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
