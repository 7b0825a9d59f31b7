// Package errs defines the error taxonomy shared across the matching core.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a request or donor id could not be resolved.
	ErrNotFound = errors.New("not found")

	// ErrLockConflict indicates another donor holds an unexpired lock on
	// the request. It is a user-visible "try again later" condition, not
	// a failure of the surrounding flow.
	ErrLockConflict = errors.New("request locked by another donor")

	// ErrLookup indicates the donor store near-query itself failed.
	ErrLookup = errors.New("donor lookup failed")

	// ErrRequestClosed indicates the request is no longer accepting donors:
	// it already matched, was cancelled or expired, or its deadline passed.
	ErrRequestClosed = errors.New("request is no longer accepting donors")
)

// LockConflictError carries enough context for a "try again in N minutes"
// response. It unwraps to ErrLockConflict.
type LockConflictError struct {
	RequestID  string
	HeldBy     string
	RetryAfter time.Duration
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("request %s locked by donor %s, retry in %s", e.RequestID, e.HeldBy, e.RetryAfter.Round(time.Second))
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// ValidationError rejects malformed input before any state mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func Validation(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CollaboratorError wraps a failure from an external collaborator (donor
// store, eligibility service, notifier, facility directory). Callers log it
// and degrade rather than aborting the surrounding flow.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func Collaborator(name string, err error) error {
	return &CollaboratorError{Collaborator: name, Err: err}
}
