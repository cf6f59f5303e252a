package langsmith

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ongoingai/tracebridge/internal/trace"
)

var _ trace.Retrier = (*APIError)(nil)

// APIError is a non-success response from the backend.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func newAPIError(operation string, status int, body []byte) *APIError {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyBytes {
		text = text[:maxErrorBodyBytes]
	}
	return &APIError{Operation: operation, StatusCode: status, Body: text}
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("langsmith %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("langsmith %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// HTTPStatus exposes the status for error classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Retryable reports whether resending the same payload may succeed.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	default:
		return false
	}
}
