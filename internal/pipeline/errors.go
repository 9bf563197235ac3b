package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrPipeline marks a stage failure that ends the run without a report.
	ErrPipeline = errors.New("pipeline failure")
	// ErrPersistence marks a failed report write.
	ErrPersistence = errors.New("persistence failure")

	ErrEmptyLabel     = errors.New("detection produced no usable label")
	ErrInvalidRequest = errors.New("invalid analysis request")
)

// StageError ties a failure to the stage it happened in. Kind is one of the
// package sentinels so callers can branch with errors.Is.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage Stage, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
