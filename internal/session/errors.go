package session

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy marks a transient contention failure; Acquire retries after a delay.
	ErrBusy = errors.New("session: resource busy")
	// ErrCorrupt marks an unusable persisted resource; Acquire removes it and retries.
	ErrCorrupt = errors.New("session: resource corrupt")
	// ErrAttemptsExhausted is wrapped by the FatalResourceError returned after the last attempt.
	ErrAttemptsExhausted = errors.New("session: attempts exhausted")
)

// TransientResourceError is a busy failure carrying the underlying cause.
// It matches ErrBusy under errors.Is.
type TransientResourceError struct {
	Identity string
	Err      error
}

func (e *TransientResourceError) Error() string {
	return fmt.Sprintf("session %s busy: %v", e.Identity, e.Err)
}
func (e *TransientResourceError) Unwrap() error        { return e.Err }
func (e *TransientResourceError) Is(target error) bool { return target == ErrBusy }

// CorruptResourceError is a corruption failure carrying the underlying cause.
// It matches ErrCorrupt under errors.Is.
type CorruptResourceError struct {
	Identity string
	Err      error
}

func (e *CorruptResourceError) Error() string {
	return fmt.Sprintf("session %s corrupt: %v", e.Identity, e.Err)
}
func (e *CorruptResourceError) Unwrap() error        { return e.Err }
func (e *CorruptResourceError) Is(target error) bool { return target == ErrCorrupt }

// FatalResourceError ends an acquisition: either a non-retryable failure or
// retries ran out (then it also matches ErrAttemptsExhausted).
type FatalResourceError struct {
	Identity string
	Attempts int
	Err      error
}

func (e *FatalResourceError) Error() string {
	return fmt.Sprintf("session %s: acquire failed after %d attempt(s): %v", e.Identity, e.Attempts, e.Err)
}
func (e *FatalResourceError) Unwrap() error { return e.Err }
