package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Capacity and availability rejections. The target was not invoked.
const (
	// ErrCodeCircuitOpen indicates the circuit breaker rejected the call.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeBulkheadFull indicates no concurrency slot was available.
	ErrCodeBulkheadFull ErrorCode = "BULKHEAD_FULL"
	// ErrCodeRateLimited indicates the rate limiter rejected the call.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
)

// Attempt outcomes.
const (
	// ErrCodeTimeout indicates a single attempt exceeded its time bound.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeTargetError wraps a failure returned by the target operation.
	ErrCodeTargetError ErrorCode = "TARGET_ERROR"
	// ErrCodeMaxRetriesExceeded indicates every allowed attempt failed.
	ErrCodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
)

// Saga errors.
const (
	// ErrCodeCompensationFailed indicates a compensation action failed.
	ErrCodeCompensationFailed ErrorCode = "COMPENSATION_FAILED"
	// ErrCodeSagaLocked indicates another execution holds the saga lock.
	ErrCodeSagaLocked ErrorCode = "SAGA_LOCKED"
	// ErrCodeSagaAborted indicates the saga was aborted externally.
	ErrCodeSagaAborted ErrorCode = "SAGA_ABORTED"
	// ErrCodeSnapshotError indicates the durable snapshot store failed.
	ErrCodeSnapshotError ErrorCode = "SNAPSHOT_ERROR"
	// ErrCodeNotFound indicates a saga or definition was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Validation and internal errors.
const (
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeInternal indicates an unexpected internal failure.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeCircuitOpen:   true,
	ErrCodeBulkheadFull:  true,
	ErrCodeRateLimited:   true,
	ErrCodeTimeout:       true,
	ErrCodeSagaLocked:    true,
	ErrCodeSnapshotError: true,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
