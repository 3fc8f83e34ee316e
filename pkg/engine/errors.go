package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrIterationLimitExceeded indicates a run hit its configured step cap
	// before reaching END. Callers may resume with a higher limit.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")

	// ErrRunAlreadyExists indicates Start was called with a run ID that
	// already has checkpoints.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrRunNotResumable indicates Resume was called on a run whose latest
	// checkpoint does not admit continuation.
	ErrRunNotResumable = errors.New("run is not resumable")

	// ErrRunCancelled indicates the run was cancelled.
	ErrRunCancelled = errors.New("run cancelled")
)

// RunError carries run position context with any engine failure so callers
// can resume or diagnose.
type RunError struct {
	RunID     string
	StepIndex int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed at step %d: %v", e.RunID, e.StepIndex, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newRunError(runID string, stepIndex int, err error) *RunError {
	return &RunError{RunID: runID, StepIndex: stepIndex, Err: err}
}
