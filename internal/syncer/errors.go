package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means the local calendar client could not be read.
	// It aborts the current cycle only.
	ErrSourceUnavailable = errors.New("source calendar unavailable")

	// ErrCredentials means remote credentials are missing or were rejected.
	// It is fatal to the monitor loop.
	ErrCredentials = errors.New("remote credentials missing or rejected")

	// ErrNotFound means the remote event does not exist. Deletes treat it as success.
	ErrNotFound = errors.New("remote event not found")
)

// RemoteAPIError is a failed remote calendar call.
type RemoteAPIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failed (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// CredentialError carries an actionable hint for the operator.
type CredentialError struct {
	Service string
	Hint    string
	Err     error
}

func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("%s credentials: %v", e.Service, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

func (e *CredentialError) Is(target error) bool {
	return target == ErrCredentials
}
