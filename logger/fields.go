package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across Plume.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldRunID       = "run_id"
	FieldHolderID    = "holder_id"
	FieldWorkspaceID = "workspace_id"
	FieldRequestID   = "request_id"

	// Components
	FieldComponent = "component"
	FieldStage     = "stage"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldProcessed = "processed"
	FieldRemaining = "remaining"

	// Engine state
	FieldStatus     = "status"
	FieldOutcome    = "outcome"
	FieldCursor     = "cursor"
	FieldRelayDepth = "relay_depth"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
	FieldHost    = "host"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey       contextKey = "logger_job_id"
	workspaceIDKey contextKey = "logger_workspace_id"
	requestIDKey   contextKey = "logger_request_id"
	componentKey   contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithWorkspaceID adds a workspace ID to the context for logging
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, workspaceID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if workspaceID, ok := ctx.Value(workspaceIDKey).(string); ok && workspaceID != "" {
		fields = append(fields, FieldWorkspaceID, workspaceID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes job_id, workspace_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Watchdog struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWatchdog() *Watchdog {
//	    return &Watchdog{
//	        logger: logger.ComponentLogger("stint.watchdog"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	jobLogger := logger.ChildLogger(baseLogger, "job_id", job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
