//go:build !unix

package state

import (
	"errors"
	"fmt"
	"os"
)

// Lock is a marker-file lock for platforms without flock.
type Lock struct {
	path string
}

// AcquireLock creates the marker file exclusively.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &AlreadyRunningError{Path: path, PID: readPID(path)}
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	return &Lock{path: path}, nil
}

// Release removes the marker file.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}

// LockOwner reports whether the marker file exists.
func LockOwner(path string) (pid int, held bool, err error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return readPID(path), true, nil
}

// TerminateOwner is not supported without POSIX signals.
func TerminateOwner(path string) (int, error) {
	return 0, errors.New("stop is not supported on this platform")
}
