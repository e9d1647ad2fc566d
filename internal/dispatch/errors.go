package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is internal: the dispatch loop backs off and retries.
// It is never surfaced to callers.
var ErrRateLimited = errors.New("dispatch: rate budget exhausted")

// ValidationError rejects malformed submissions synchronously.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TimeoutError is returned by GetResult when no terminal record appeared in time.
// The task keeps running and may still complete later.
type TimeoutError struct {
	TaskID string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s: no result after %s", e.TaskID, e.Waited)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ExecutionError wraps an executor failure before it is captured into Task.Error.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("task %s: %v", e.TaskID, e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }
