// Package errors provides error handling for Plume.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for users
//	return errors.WithHint(err, "try increasing the timeout")
//
//	// Check errors
//	if errors.Is(err, sql.ErrNoRows) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"fmt"
	"time"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions and panics
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Stack trace extraction
var (
	GetReportableStackTrace = crdb.GetReportableStackTrace
	// GetStack is an alias for GetReportableStackTrace for convenience.
	GetStack = crdb.GetReportableStackTrace
)

// Common sentinel errors for use across Plume.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrLockHeld indicates another worker holds the stage lock.
	// Contention is an expected outcome, not a failure; callers
	// should skip, not retry.
	ErrLockHeld = New("stage lock held")

	// ErrBadTransition indicates an illegal job status transition
	ErrBadTransition = New("illegal job status transition")

	// ErrNoCredentials indicates missing or revoked provider credentials.
	// Jobs failing with this are not retried; reconnecting the mailbox
	// is the only fix.
	ErrNoCredentials = New("provider credentials missing or revoked")

	// ErrRelayCeiling indicates a job exceeded the relay-depth backstop
	ErrRelayCeiling = New("relay depth ceiling exceeded")

	// ErrRateLimited indicates the provider throttled the call
	ErrRateLimited = New("rate limited by provider")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Also provides backward compatibility with string-based "not found" errors.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	// Backward compatibility: check error message
	errMsg := err.Error()
	return len(errMsg) >= 9 && (errMsg == "not found" ||
		errMsg[len(errMsg)-9:] == "not found" ||
		len(errMsg) > 10 && errMsg[:10] == "not found:")
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsLockHeldError checks if an error is or wraps ErrLockHeld
func IsLockHeldError(err error) bool {
	return err != nil && Is(err, ErrLockHeld)
}

// IsCredentialError checks if an error is or wraps ErrNoCredentials
func IsCredentialError(err error) bool {
	return err != nil && Is(err, ErrNoCredentials)
}

// WrapNotFound wraps an error as a not-found error with context
func WrapNotFound(err error, context string) error {
	return Wrap(Wrap(ErrNotFound, err.Error()), context)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// RateLimitError carries the retry delay a provider requested, typically
// parsed from a 429 Retry-After header. Extract it with errors.As;
// errors.Is(err, ErrRateLimited) also matches.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by provider (retry after %s)", e.RetryAfter)
	}
	return "rate limited by provider"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsRateLimitedError checks if an error is or wraps ErrRateLimited
func IsRateLimitedError(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}
