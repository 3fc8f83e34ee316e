package checkpoint

import (
	"errors"
	"fmt"
)

// Standard store error types that all implementations should use.
var (
	// ErrRunNotFound indicates no checkpoint exists for the given run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrLeaseHeld indicates another caller currently holds the resume lease
	// for the run.
	ErrLeaseHeld = errors.New("run lease already held")
)

// StoreError wraps store failures with operation and run context.
type StoreError struct {
	Op    string // Operation being performed (e.g. "Save", "LoadLatest")
	RunID string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a store error with context.
func NewStoreError(op, runID string, err error) *StoreError {
	return &StoreError{Op: op, RunID: runID, Err: err}
}

// IsRunNotFound checks whether an error indicates a missing run.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsLeaseHeld checks whether an error indicates a contended resume lease.
func IsLeaseHeld(err error) bool {
	return errors.Is(err, ErrLeaseHeld)
}
