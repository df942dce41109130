package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError is the unified error type for pipeline and saga failures.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried by the caller.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// --- Pipeline constructors ---

// CircuitOpen creates an error for a call rejected by an open circuit.
func CircuitOpen(target string) *AppError {
	return &AppError{
		Code: ErrCodeCircuitOpen, Message: fmt.Sprintf("circuit for %s is open", target),
		Retryable: true, Details: map[string]any{"target": target},
	}
}

// BulkheadFull creates an error for a call rejected for lack of a concurrency slot.
func BulkheadFull(target string) *AppError {
	return &AppError{
		Code: ErrCodeBulkheadFull, Message: fmt.Sprintf("concurrency limit reached for %s", target),
		Retryable: true, Details: map[string]any{"target": target},
	}
}

// RateLimited creates an error for a call rejected by the rate limiter.
func RateLimited(target, tenant string) *AppError {
	details := map[string]any{"target": target}
	if tenant != "" {
		details["tenant"] = tenant
	}
	return &AppError{
		Code: ErrCodeRateLimited, Message: fmt.Sprintf("rate limit exceeded for %s", target),
		Retryable: true, Details: details,
	}
}

// Timeout creates an error for an attempt that exceeded its bound.
func Timeout(operation string) *AppError {
	return &AppError{
		Code: ErrCodeTimeout, Message: fmt.Sprintf("%s timed out", operation),
		Retryable: true, Details: map[string]any{"operation": operation},
	}
}

// TargetError wraps a failure returned by the target itself.
func TargetError(target string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeTargetError, Message: fmt.Sprintf("%s failed", target),
		Retryable: false, Details: map[string]any{"target": target}, Cause: cause,
	}
}

// MaxRetriesExceeded wraps the last attempt's error once every attempt failed.
func MaxRetriesExceeded(target string, attempts int, cause error) *AppError {
	return &AppError{
		Code: ErrCodeMaxRetriesExceeded, Message: fmt.Sprintf("%s failed after %d attempts", target, attempts),
		Retryable: false, Details: map[string]any{"target": target, "attempts": attempts}, Cause: cause,
	}
}

// --- Saga constructors ---

// CompensationFailed records a compensation action that did not succeed.
func CompensationFailed(sagaID, step string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeCompensationFailed, Message: fmt.Sprintf("compensation of step %s failed", step),
		Retryable: false, Details: map[string]any{"saga_id": sagaID, "step": step}, Cause: cause,
	}
}

// SagaLocked reports a saga already executing elsewhere.
func SagaLocked(sagaID string) *AppError {
	return &AppError{
		Code: ErrCodeSagaLocked, Message: fmt.Sprintf("saga %s is already executing", sagaID),
		Retryable: true, Details: map[string]any{"saga_id": sagaID},
	}
}

// SagaAborted reports an externally requested abort.
func SagaAborted(sagaID string) *AppError {
	return &AppError{
		Code: ErrCodeSagaAborted, Message: fmt.Sprintf("saga %s aborted", sagaID),
		Retryable: false, Details: map[string]any{"saga_id": sagaID},
	}
}

// SnapshotError wraps a durable store failure.
func SnapshotError(sagaID string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeSnapshotError, Message: fmt.Sprintf("snapshot of saga %s could not be stored", sagaID),
		Retryable: true, Details: map[string]any{"saga_id": sagaID}, Cause: cause,
	}
}

// NotFound creates an error for a missing saga or definition.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id),
		Retryable: false, Details: details,
	}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("invalid input: %s", reason),
		Retryable: false, Details: details,
	}
}

// Internal creates a new AppError for an unexpected internal failure.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "an unexpected error occurred",
		Retryable: false, Cause: cause,
	}
}

// --- Inspection ---

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether any AppError in err's tree carries code. Joined
// errors are searched too.
func HasCode(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *AppError:
		if e.Code == code {
			return true
		}
		return HasCode(e.Cause, code)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if HasCode(inner, code) {
				return true
			}
		}
		return false
	default:
		return HasCode(stderrors.Unwrap(err), code)
	}
}

// IsRetryable reports whether err is an AppError marked retryable.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}
