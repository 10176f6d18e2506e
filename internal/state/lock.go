package state

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is matched by AlreadyRunningError.
var ErrAlreadyRunning = errors.New("another invitesync process is already running")

// AlreadyRunningError reports the lock file and, when known, the holder's PID.
type AlreadyRunningError struct {
	Path string
	PID  int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("already running: lock %s is held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("already running: lock %s is held by another process", e.Path)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// LockPath returns the default lock file path for a state file.
func LockPath(statePath string) string {
	return statePath + ".lock"
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
