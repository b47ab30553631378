package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// IsTransient classifies whether a backend error is worth retrying on a
// later poll cycle. Transport faults, timeouts, and 5xx responses are
// transient; RPC-level rejections of the request itself are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded means the backend was slow, not wrong.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means we are shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError ||
			statusErr.Status == http.StatusTooManyRequests
	}

	// The backend parsed the request and rejected it; retrying the same
	// payload will not help.
	var srvErr *serverError
	if errors.As(err, &srvErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
