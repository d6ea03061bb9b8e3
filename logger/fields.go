package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across pawnx.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldQueue     = "queue"
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"

	FieldComponent = "component"
	FieldOperation = "operation"

	// Settlement
	FieldTokenID   = "token_id"
	FieldListingID = "listing_id"
	FieldAccount   = "account"
	FieldStage     = "stage"
	FieldTxID      = "tx_id"
	FieldAmount    = "amount"
	FieldSerials   = "serials"

	// Retry and batching
	FieldAttempt   = "attempt"
	FieldBatch     = "batch"
	FieldBatchSize = "batch_size"
	FieldDelayMS   = "delay_ms"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldTotalCount = "total_count"
	FieldState      = "state"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("pulse.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
