package trace

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Error class constants for delivery and spool failure classification.
const (
	DeliveryErrorClassConnection = "connection"
	DeliveryErrorClassTimeout    = "timeout"
	DeliveryErrorClassRejected   = "rejected"
	DeliveryErrorClassAuth       = "auth"
	DeliveryErrorClassContention = "contention"
	DeliveryErrorClassUnknown    = "unknown"
)

// StatusCoder is implemented by errors that carry the backend's HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Retrier is implemented by backend errors that know whether resending the
// same payload can succeed.
type Retrier interface {
	Retryable() bool
}

// DeliveryRetryable reports whether a failed send may succeed on a later
// flush. Errors that do not implement Retrier are judged by their class.
func DeliveryRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retrier Retrier
	if errors.As(err, &retrier) {
		return retrier.Retryable()
	}
	switch ClassifyDeliveryError(err) {
	case DeliveryErrorClassAuth, DeliveryErrorClassRejected:
		return false
	default:
		return true
	}
}

// ClassifyDeliveryError maps a send or spool error to one of the defined
// error classes so operators can alert on failure categories rather than
// opaque Go type names.
func ClassifyDeliveryError(err error) string {
	if err == nil {
		return DeliveryErrorClassUnknown
	}

	var statusErr StatusCoder
	if errors.As(err, &statusErr) {
		switch status := statusErr.HTTPStatus(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return DeliveryErrorClassAuth
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return DeliveryErrorClassTimeout
		case status >= 400:
			return DeliveryErrorClassRejected
		}
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeliveryErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DeliveryErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return DeliveryErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return DeliveryErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isConnectionString(msg):
		return DeliveryErrorClassConnection
	case isTimeoutString(msg):
		return DeliveryErrorClassTimeout
	case isContentionString(msg):
		return DeliveryErrorClassContention
	}
	return DeliveryErrorClassUnknown
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked")
}
