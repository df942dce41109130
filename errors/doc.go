// Package errors provides the structured error type shared by the resilience
// pipeline and the saga manager. Every rejection or failure that crosses a
// package boundary is an *AppError carrying a machine-readable code, a
// retryable flag and the underlying cause.
package errors
