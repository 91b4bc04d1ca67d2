package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Metering & balances
	ErrCodeInsufficientCredit ErrorCode = "INSUFFICIENT_CREDIT"
	ErrCodeAlreadyClosed      ErrorCode = "ALREADY_CLOSED"

	// Channel peer
	ErrCodeChannelUnavailable  ErrorCode = "CHANNEL_UNAVAILABLE"
	ErrCodeChannelUnconfigured ErrorCode = "CHANNEL_UNCONFIGURED"

	// Settlement
	ErrCodeSettlementTransient ErrorCode = "SETTLEMENT_TRANSIENT"
	ErrCodeSettlementRejected  ErrorCode = "SETTLEMENT_REJECTED"
	ErrCodeLedgerCorruption    ErrorCode = "LEDGER_CORRUPTION"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

// InsufficientCredit is returned when a debit would take a balance below zero.
// User-visible, never retried.
func InsufficientCredit() *AppError {
	return New(ErrCodeInsufficientCredit, "Insufficient credit")
}

// AlreadyClosed is returned when a close is requested for a session that has
// already left the open state.
func AlreadyClosed(sessionID string) *AppError {
	return New(ErrCodeAlreadyClosed, fmt.Sprintf("Session %s is already closed", sessionID))
}

// ChannelUnavailable marks a failed channel peer call. Non-fatal: the session
// proceeds without channel acceleration.
func ChannelUnavailable(cause error) *AppError {
	return Wrap(ErrCodeChannelUnavailable, "Channel peer unavailable", cause)
}

// ChannelUnconfigured marks the peer as intentionally absent. Kept distinct
// from a runtime failure so misconfiguration stays observable instead of
// being reported as success.
func ChannelUnconfigured() *AppError {
	return New(ErrCodeChannelUnconfigured, "Channel peer not configured")
}

// SettlementTransient is retried internally with bounded backoff.
func SettlementTransient(cause error) *AppError {
	return Wrap(ErrCodeSettlementTransient, "Settlement service temporarily unavailable", cause)
}

// SettlementRejected is a definitive rejection: the session becomes disputed.
func SettlementRejected(reason string) *AppError {
	return New(ErrCodeSettlementRejected, fmt.Sprintf("Settlement rejected: %s", reason))
}

// LedgerCorruption marks a finalize failure that would leave recorded
// consumption inconsistent with what was actually debited.
func LedgerCorruption(cause error) *AppError {
	return Wrap(ErrCodeLedgerCorruption, "Ledger finalize failed", cause)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// IsTransient reports whether err should be retried by the settlement
// coordinator.
func IsTransient(err error) bool {
	return IsCode(err, ErrCodeSettlementTransient)
}
