package proxy

import (
	"fmt"
	"net/http"
	"strings"
)

// StatusError is an error that carries the HTTP status the proxy should
// answer with. Upstream failures keep the upstream status so the caller
// sees what the runtime returned.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "proxy: error"
	}
	return e.Detail
}

func upstreamError(status int, body []byte) *StatusError {
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &StatusError{
		Status: status,
		Detail: fmt.Sprintf("Upstream error: %s", detail),
	}
}
