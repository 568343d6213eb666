package twitch

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is the tagged failure returned by every client operation.
// Retryable drives the caller's retry policy; the client itself never
// retries beyond the single in-line token refresh on 401.
type APIError struct {
	Status    int
	Retryable bool
	Message   string
}

func (e *APIError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("twitch api error (%s, status %d): %s", kind, e.Status, e.Message)
}

// IsRetryable reports whether an error should be retried by the caller.
// Transport failures (no *APIError in the chain) are treated as retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return err != nil
}

// retryableStatus reports whether an HTTP status is transient.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// statusError builds an APIError from an HTTP reply.
func statusError(status int, message string) *APIError {
	return &APIError{
		Status:    status,
		Retryable: retryableStatus(status),
		Message:   message,
	}
}

// transportError wraps a network-level failure as retryable.
func transportError(err error) *APIError {
	return &APIError{
		Status:    0,
		Retryable: true,
		Message:   err.Error(),
	}
}
