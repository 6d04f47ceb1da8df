package persistence

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every implementation.
var (
	// ErrFlowVersionNotFound indicates no flow version exists for the id.
	ErrFlowVersionNotFound = errors.New("flow version not found")

	// ErrFlowVersionLocked indicates a write against a locked, immutable
	// flow version.
	ErrFlowVersionLocked = errors.New("flow version is locked")

	// ErrRunNotFound indicates no run exists for the id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists indicates a create with an id already in use.
	ErrRunExists = errors.New("run already exists")

	// ErrRunTerminal indicates a mutation against a run that already
	// reached a terminal status.
	ErrRunTerminal = errors.New("run reached a terminal status")
)

// VersionError wraps flow version failures with operation context.
type VersionError struct {
	Op        string
	VersionID string
	Err       error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s failed for flow version %s: %v", e.Op, e.VersionID, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

// NewVersionError creates a version error with context.
func NewVersionError(op, versionID string, err error) *VersionError {
	return &VersionError{Op: op, VersionID: versionID, Err: err}
}

// RunError wraps run failures with operation context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError creates a run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}
