package engine

import (
	"errors"
	"fmt"
)

// TransientError marks a failure as retryable. Task handlers wrap errors
// with Transient (or Transientf) to opt into the retry policy; anything
// else is treated as permanent unless the task's policy says otherwise.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a retryable error.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is marked retryable. This is the default
// failure classification when a task policy supplies none.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// UnknownTaskError is returned synchronously at submission time when a task
// name is not present in the registry.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}

// CompositionError is returned at build time for a malformed chain, group,
// or chord graph, before anything is submitted.
type CompositionError struct {
	Reason string
}

func (e *CompositionError) Error() string {
	return "invalid composition: " + e.Reason
}
