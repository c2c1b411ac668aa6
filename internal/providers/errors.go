package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory buckets provider failures for retry, rotation, and failover
// decisions.
type ErrorCategory string

const (
	ErrAuth        ErrorCategory = "auth"
	ErrRateLimit   ErrorCategory = "rate_limit"
	ErrTimeout     ErrorCategory = "timeout"
	ErrServerError ErrorCategory = "server_error"
	ErrUnknown     ErrorCategory = "unknown"
)

// APIError is a failure reported by a provider's HTTP API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// classifyRule matches on status code or message substring. First match wins.
type classifyRule struct {
	status   int    // 0 matches any
	contains string // "" matches any
	category ErrorCategory
}

var classifyRules = []classifyRule{
	{status: 401, category: ErrAuth},
	{status: 403, category: ErrAuth},
	{status: 429, category: ErrRateLimit},
	{status: 408, category: ErrTimeout},
	{status: 500, category: ErrServerError},
	{status: 502, category: ErrServerError},
	{status: 503, category: ErrServerError},
	{status: 529, category: ErrServerError}, // anthropic overloaded
	{contains: "rate limit", category: ErrRateLimit},
	{contains: "rate_limit", category: ErrRateLimit},
	{contains: "quota", category: ErrRateLimit},
	{contains: "overloaded", category: ErrServerError},
	{contains: "invalid api key", category: ErrAuth},
	{contains: "invalid x-api-key", category: ErrAuth},
	{contains: "authentication", category: ErrAuth},
	{contains: "unauthorized", category: ErrAuth},
	{contains: "timeout", category: ErrTimeout},
	{contains: "deadline exceeded", category: ErrTimeout},
	{contains: "connection refused", category: ErrServerError},
	{contains: "connection reset", category: ErrServerError},
}

// Classify maps an error onto an ErrorCategory using the rule table.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	status := 0
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	msg := strings.ToLower(err.Error())

	for _, r := range classifyRules {
		if r.status != 0 && r.status != status {
			continue
		}
		if r.contains != "" && !strings.Contains(msg, r.contains) {
			continue
		}
		return r.category
	}
	return ErrUnknown
}

// Retryable reports whether the same model is worth retrying after backoff.
// Auth errors are not: they rotate credentials or fail over instead.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrRateLimit, ErrTimeout, ErrServerError:
		return true
	default:
		return false
	}
}

// RotatesAuth reports whether the failure should advance the credential pool.
func (c ErrorCategory) RotatesAuth() bool {
	return c == ErrAuth || c == ErrRateLimit
}
