package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeExternal           ErrorType = "external"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeRetryExhausted     ErrorType = "retry_exhausted"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeBulkheadRejected   ErrorType = "bulkhead_rejected"
	ErrorTypeRateLimited        ErrorType = "rate_limited"
	ErrorTypeNoProvider         ErrorType = "no_provider"
	ErrorTypeAllProvidersFailed ErrorType = "all_providers_failed"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
	Causes     []error           `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithCauses attaches an ordered chain of underlying errors
func (e *AppError) WithCauses(causes []error) *AppError {
	e.Causes = causes
	if len(causes) > 0 {
		e.Cause = causes[len(causes)-1]
	}
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter annotates the error with a retry hint
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// Fabric-specific errors

// NewRetryExhaustedError is returned when all retry attempts for an operation
// have been used; the last observed error is attached as the cause.
func NewRetryExhaustedError(operation string, attempts int, last error) *AppError {
	return NewAppError(ErrorTypeRetryExhausted, "RETRY_EXHAUSTED",
		fmt.Sprintf("operation %s failed after %d attempts", operation, attempts)).
		WithDetail("operation", operation).
		WithDetail("attempts", fmt.Sprintf("%d", attempts)).
		WithCause(last)
}

// NewCircuitOpenError is the fast-fail error raised while a breaker is open
// or at half-open probe capacity.
func NewCircuitOpenError(name string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker %s is open", name)).
		WithDetail("breaker", name)
}

// NewBulkheadRejectedError is the backpressure signal raised when both the
// concurrency limit and the wait queue of an operation are full.
func NewBulkheadRejectedError(operation string) *AppError {
	return NewAppError(ErrorTypeBulkheadRejected, "BULKHEAD_REJECTED",
		fmt.Sprintf("bulkhead for %s is at capacity", operation)).
		WithDetail("operation", operation)
}

// NewRateLimitedError is returned when admission is denied by the rate
// limiter; retryAfter tells the caller when the key becomes admissible again.
func NewRateLimitedError(rule string, retryAfter time.Duration) *AppError {
	return NewAppError(ErrorTypeRateLimited, "RATE_LIMITED",
		fmt.Sprintf("rate limit exceeded for rule %s", rule)).
		WithDetail("rule", rule).
		WithRetryAfter(retryAfter)
}

// NewNoProviderError is returned when no registered provider matches a task's
// required capabilities (or all matching providers have open breakers).
func NewNoProviderError(category string) *AppError {
	return NewAppError(ErrorTypeNoProvider, "NO_PROVIDER_AVAILABLE",
		fmt.Sprintf("no provider available for category %s", category)).
		WithDetail("category", category)
}

// NewAllProvidersFailedError is returned when every candidate provider was
// attempted and failed; the per-provider error chain is attached in order.
func NewAllProvidersFailedError(category string, causes []error) *AppError {
	return NewAppError(ErrorTypeAllProvidersFailed, "ALL_PROVIDERS_FAILED",
		fmt.Sprintf("all providers failed for category %s", category)).
		WithDetail("category", category).
		WithCauses(causes)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetRetryAfter returns the retry hint carried by the error, if any
func GetRetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// CauseChain returns the ordered error chain attached to the error, if any
func CauseChain(err error) []error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Causes
	}
	return nil
}
