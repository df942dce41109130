package kafka

import (
	"context"
	"errors"
	"strings"

	kafkago "github.com/segmentio/kafka-go"
)

// ErrPublisherClosed is returned by Publish after Stop.
var ErrPublisherClosed = errors.New("kafka: publisher closed")

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"broker not available",
	"leader not available",
	"connection closed",
	"dial tcp",
}

var retryablePatterns = []string{
	"temporary",
	"request timed out",
	"not enough replicas",
}

// IsConnectionError reports whether err looks like a broker connectivity failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), connectionPatterns)
}

// IsRetryableError reports whether a write that failed with err should be
// attempted again. Context errors are never retried.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var werrs kafkago.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !IsRetryableError(e) {
				return false
			}
		}
		return werrs.Count() > 0
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	if IsConnectionError(err) {
		return true
	}
	return containsAny(err.Error(), retryablePatterns)
}

func containsAny(s string, patterns []string) bool {
	s = strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
