package fencing

import (
	"errors"
	"fmt"
)

// ErrEpochClaimed matches conflict errors with errors.Is.
var ErrEpochClaimed = errors.New("epoch already claimed")

// ErrUnavailable matches exhausted-retry errors with errors.Is.
var ErrUnavailable = errors.New("coordination layer unavailable")

// ConflictError reports a claim lost to a concurrent winner. Standing is the
// epoch that actually holds, which the caller should adopt as observed state.
type ConflictError struct {
	Attempted int64
	Standing  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("epoch %d already claimed, standing epoch is %d", e.Attempted, e.Standing)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrEpochClaimed
}

// UnavailableError reports that the store kept failing for the whole retry
// budget. The standing epoch is untouched when this is returned.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("coordination layer unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}
