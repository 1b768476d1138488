package jobregistry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
var (
	// ErrJobNotFound indicates no record exists for the job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrProgressRegression indicates an update tried to lower progress.
	ErrProgressRegression = errors.New("progress must not decrease")

	// ErrJobFinished indicates an update targeted a terminal job.
	ErrJobFinished = errors.New("job already finished")

	// ErrExecutorClosed indicates Start was called after Close.
	ErrExecutorClosed = errors.New("executor is closed")
)

// AlreadyRunningError is returned by Executor.Start when a job of the same
// role is still active.
type AlreadyRunningError struct {
	Role  Role
	JobID string
}

// Error implements the error interface.
func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("a %s job is already running: %s", e.Role, e.JobID)
}

// IsAlreadyRunning reports whether err carries an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var are *AlreadyRunningError
	return errors.As(err, &are)
}

// IsNotFound reports whether err indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
