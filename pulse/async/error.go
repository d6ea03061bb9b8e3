package async

import (
	"context"
	"strings"

	"github.com/teranos/pawnx/errors"
)

// ErrLockLost is returned when a worker touches a job it no longer owns,
// usually because the job stalled and was reclaimed.
var ErrLockLost = errors.New("job lock lost")

// Unrecoverable marks err so the queue fails the job without retrying
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errors.ErrUnrecoverable)
}

// ErrorCode represents the classification of a job failure
type ErrorCode string

const (
	ErrorCodeValidation          ErrorCode = "validation_error"
	ErrorCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrorCodeUnrecoverable       ErrorCode = "unrecoverable"
	ErrorCodeTimeout             ErrorCode = "timeout"
	ErrorCodeDatabase            ErrorCode = "database_error"
	ErrorCodeNetwork             ErrorCode = "network_error"
	ErrorCodeUnknown             ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Code      ErrorCode
	Message   string
	Retryable bool // the queue may schedule another attempt
}

// ClassifyError categorizes a handler error for logging and retry decisions
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Message: err.Error(), Retryable: true}
	errLower := strings.ToLower(ctx.Message)

	switch {
	case errors.Is(err, errors.ErrValidation):
		ctx.Code = ErrorCodeValidation
		ctx.Retryable = false
	case errors.Is(err, errors.ErrInsufficientBalance):
		ctx.Code = ErrorCodeInsufficientBalance
		ctx.Retryable = false
	case errors.Is(err, errors.ErrUnrecoverable):
		ctx.Code = ErrorCodeUnrecoverable
		ctx.Retryable = false
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabase
	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network"):
		ctx.Code = ErrorCodeNetwork
	default:
		ctx.Code = ErrorCodeUnknown
	}
	return ctx
}
