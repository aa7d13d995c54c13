package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Retryable reports whether an error is worth another attempt: connection
// failures, timeouts, and service-unavailable responses. Everything else
// fails the call on the first attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if Permanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"service unavailable",
		"status 502",
		"status 503",
		"status 504",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Permanent reports whether an error can never succeed on retry:
// authentication, quota, and rate-limit conditions reported by a backend.
// These short-circuit straight to fallback instead of burning the retry
// budget.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"invalid api key",
		"invalid credentials",
		"unauthorized",
		"status 401",
		"status 403",
		"quota exceeded",
		"insufficient_quota",
		"rate limit",
		"rate_limit",
		"status 429",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
