package database

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	apperrors "github.com/kbukum/sagakit/errors"
)

// Failure reasons attached to SNAPSHOT_ERROR details.
const (
	ReasonConnection = "connection"
	ReasonContention = "contention"
	ReasonTimeout    = "timeout"
)

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"connection closed",
	"connection lost",
	"driver: bad connection",
	"invalid connection",
}

// Contention messages from sqlite, mysql and postgres.
var contentionPatterns = []string{
	"database is locked",
	"sqlite_busy",
	"deadlock",
	"lock wait timeout",
	"lock timeout",
	"too many connections",
	"could not serialize access",
}

// reason classifies err; "" means the failure is not transient.
func reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01":
			return ReasonConnection
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "53300":
			return ReasonContention
		}
		return ""
	}

	msg := strings.ToLower(err.Error())
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return ReasonConnection
		}
	}
	for _, p := range contentionPatterns {
		if strings.Contains(msg, p) {
			return ReasonContention
		}
	}
	return ""
}

// IsConnectionError reports whether err means the database is unreachable.
func IsConnectionError(err error) bool {
	return reason(err) == ReasonConnection
}

// IsRetryableError reports whether a snapshot write may succeed if repeated.
func IsRetryableError(err error) bool {
	return reason(err) != ""
}

// IsNotFoundError checks if the error is a GORM record-not-found error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// FromDatabase converts a store failure to a SNAPSHOT_ERROR AppError,
// retryable when the cause is transient, with the reason as a detail.
func FromDatabase(err error, sagaID string) *apperrors.AppError {
	if err == nil {
		return nil
	}
	appErr := apperrors.SnapshotError(sagaID, err)
	r := reason(err)
	appErr.Retryable = r != ""
	if r != "" {
		appErr.WithDetail("reason", r)
	}
	return appErr
}
