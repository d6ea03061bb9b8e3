// Package errors is the pawnx error toolkit.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, details and hints from a single import, and it defines the
// sentinels used to classify settlement failures:
//
//	ErrValidation           missing config, account or key (fail fast)
//	ErrInsufficientBalance  treasury cannot cover a buyback (fail fast)
//	ErrUnrecoverable        do not retry at the queue level
//	ErrDuplicateJob         an equivalent job is already scheduled
//
// Usage:
//
//	if err := store.UpdateTokenStatus(ctx, id, status); err != nil {
//	    return errors.Wrapf(err, "failed to mark token %s", id)
//	}
//
//	return errors.Mark(errors.Newf("treasury %s not configured", id), errors.ErrValidation)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// Details and hints
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinels. Check with errors.Is; wrap or Mark to add context.
var (
	ErrNotFound       = New("not found")
	ErrInvalidRequest = New("invalid request")
	ErrConflict       = New("resource conflict")
	ErrTimeout        = New("operation timed out")

	ErrValidation          = New("validation failed")
	ErrInsufficientBalance = New("insufficient balance")
	ErrUnrecoverable       = New("unrecoverable")
	ErrDuplicateJob        = New("duplicate job")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError reports whether err was marked as a validation failure.
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsUnrecoverable reports whether err must not be retried by the job queue.
// Validation and balance failures are always unrecoverable.
func IsUnrecoverable(err error) bool {
	return err != nil && IsAny(err, ErrUnrecoverable, ErrValidation, ErrInsufficientBalance)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}
