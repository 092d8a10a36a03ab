package types

import (
	"errors"
	"fmt"
	"strings"
)

// Failure classes shared by every layer of the pipeline.
var (
	ErrNetworkFailure    = errors.New("network failure")
	ErrLocalConflict     = errors.New("local conflict")
	ErrServerConflict    = errors.New("server conflict")
	ErrValidationFailure = errors.New("validation failure")
	ErrStorageFailure    = errors.New("storage failure")
	ErrCancelled         = errors.New("operation cancelled")
)

// LocalConflictError reports that the cached entity moved away from the
// recorded base before the operation was sent. No network call was made.
type LocalConflictError struct {
	Base      Fields
	Variables Fields
}

func (e *LocalConflictError) Error() string {
	if e.Base == nil {
		return "local conflict: no base state recorded"
	}
	return "local conflict: cached entity changed since base was recorded"
}

func (e *LocalConflictError) Unwrap() error { return ErrLocalConflict }

// ServerConflictError carries the three views of an entity the server rejected,
// so callers can render a merge.
type ServerConflictError struct {
	OperationName string
	Base          Fields
	Client        Fields
	Server        Fields
	Cause         error
}

func (e *ServerConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server conflict on %s: %v", e.OperationName, e.Cause)
	}
	return fmt.Sprintf("server conflict on %s", e.OperationName)
}

func (e *ServerConflictError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrServerConflict, e.Cause}
	}
	return []error{ErrServerConflict}
}

// ValidationError is a non-conflict rejection of an operation.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return ErrValidationFailure.Error()
	}
	return "validation failure: " + strings.Join(e.Messages, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailure }

// IsRetryable reports whether err should leave an operation queued for the
// next reconnect rather than fail it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
