package groq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a structured API failure that keeps the HTTP status and the
// server's machine-readable code so callers can branch without string
// matching.
type APIError struct {
	Status    int    `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "groq: api error"
	}
	if e.Code != "" {
		return fmt.Sprintf("groq: api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("groq: api error %d: %s", e.Status, e.Message)
}

// IsRetryable reports whether err is worth retrying: rate limits, server
// errors and timeouts qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
