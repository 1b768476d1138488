package lca

import (
	"errors"
	"fmt"
)

// Sentinel errors for collaborator calls.
var (
	// ErrUnknownInput indicates a varied input ID is not part of the model.
	ErrUnknownInput = errors.New("unknown model input")

	// ErrEmptyDistribution indicates a comparison or estimate was requested
	// over zero samples.
	ErrEmptyDistribution = errors.New("empty distribution")

	// ErrLengthMismatch indicates paired distributions differ in length.
	ErrLengthMismatch = errors.New("distribution length mismatch")
)

// EvaluationError wraps a failure of an external collaborator during a run.
type EvaluationError struct {
	// Op is the collaborator call that failed ("evaluate", "estimate", "compare").
	Op string

	// Draw is the draw index, or -1 when the failure is not tied to a draw.
	Draw int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	if e.Draw >= 0 {
		return fmt.Sprintf("%s draw %d: %v", e.Op, e.Draw, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// IsEvaluationError reports whether err carries an EvaluationError.
func IsEvaluationError(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee)
}
