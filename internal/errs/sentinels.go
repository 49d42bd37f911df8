// Package errs contains the error taxonomy shared by repository, service and transport layers.
package errs

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Common sentinels across repo/service layers.
var (
	// ErrValidation indicates malformed input (empty steps, ambiguous assignee, missing subject).
	ErrValidation = errors.New("validation error")

	// ErrConflict indicates a competing holder or duplicate (lock held by another, active workflow exists).
	ErrConflict = errors.New("conflict")

	// ErrForbidden indicates insufficient permission, an active legal hold or a wrong task assignee.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrState indicates the action is invalid for the entity's current state.
	ErrState = errors.New("invalid state")

	// ErrUnauthorized indicates a missing or invalid caller identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error is a classified failure. Kind is one of the sentinels above, so errors.Is works on it.
type Error struct {
	Kind error
	Msg  string
	// HolderID is the current lock holder for lock conflicts, uuid.Nil otherwise.
	HolderID uuid.UUID
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

func newf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validation returns an ErrValidation-classified error.
func Validation(format string, args ...any) error { return newf(ErrValidation, format, args...) }

// Conflict returns an ErrConflict-classified error.
func Conflict(format string, args ...any) error { return newf(ErrConflict, format, args...) }

// Forbidden returns an ErrForbidden-classified error.
func Forbidden(format string, args ...any) error { return newf(ErrForbidden, format, args...) }

// NotFound returns an ErrNotFound-classified error.
func NotFound(format string, args ...any) error { return newf(ErrNotFound, format, args...) }

// State returns an ErrState-classified error.
func State(format string, args ...any) error { return newf(ErrState, format, args...) }

// LockConflict reports that the document is checked out by holder.
func LockConflict(holder uuid.UUID) error {
	return &Error{Kind: ErrConflict, Msg: "document is checked out by " + holder.String(), HolderID: holder}
}

// HolderOf extracts the lock holder from a conflict error.
func HolderOf(err error) (uuid.UUID, bool) {
	var e *Error
	if errors.As(err, &e) && e.HolderID != uuid.Nil {
		return e.HolderID, true
	}
	return uuid.Nil, false
}
