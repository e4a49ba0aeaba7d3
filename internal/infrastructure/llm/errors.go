package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies completion errors for retry and reporting
// decisions.
type ErrorKind int

const (
	// KindTransient means the error is temporary and retrying may succeed.
	// Examples: timeout, network reset, 502/503/504, rate limit.
	KindTransient ErrorKind = iota

	// KindAuth means authentication or authorization failed.
	// Examples: invalid API key, 401/403.
	KindAuth

	// KindBadRequest means the request itself is malformed.
	// Examples: invalid argument, model not found, 400.
	KindBadRequest

	// KindContentFilter means the request was blocked by content policy.
	KindContentFilter

	// KindBudget means the request exceeded a cost or resource limit.
	// Examples: quota exhausted, billing hold.
	KindBudget

	// KindCancelled means the request was explicitly cancelled.
	KindCancelled
)

// String returns the configuration label of the error kind; these
// labels are what the retry policy's retry_on list matches against.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindContentFilter:
		return "content_filter"
	case KindBudget:
		return "budget"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified completion error. It wraps the underlying
// transport error with metadata for retry, logging, and the scheduler's
// failure reasons.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // HTTP status if known, 0 otherwise
	Provider   string
	Model      string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap enables errors.Is/errors.As on the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the default policy would retry this error.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Classify examines an error and returns a classified *Error. Already
// classified errors pass through; everything else is pattern-matched
// against known categories, defaulting to transient.
func Classify(err error, provider, model string) *Error {
	if err == nil {
		return nil
	}

	var clsErr *Error
	if errors.As(err, &clsErr) {
		return clsErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:     KindCancelled,
			Message:  "request cancelled",
			Provider: provider,
			Model:    model,
			Cause:    err,
		}
	}

	errStr := strings.ToLower(err.Error())

	for _, p := range []string{"unauthorized", "invalid api key", "401", "403", "authentication", "permission denied"} {
		if strings.Contains(errStr, p) {
			return &Error{
				Kind:       KindAuth,
				Message:    "authentication failed",
				StatusCode: extractStatusCode(errStr),
				Provider:   provider,
				Model:      model,
				Cause:      err,
			}
		}
	}

	for _, p := range []string{"content filter", "content policy", "safety", "blocked", "harmful"} {
		if strings.Contains(errStr, p) {
			return &Error{
				Kind:     KindContentFilter,
				Message:  "content filtered",
				Provider: provider,
				Model:    model,
				Cause:    err,
			}
		}
	}

	for _, p := range []string{"bad request", "invalid argument", "model not found", "400", "invalid_request"} {
		if strings.Contains(errStr, p) {
			return &Error{
				Kind:       KindBadRequest,
				Message:    "invalid request",
				StatusCode: extractStatusCode(errStr),
				Provider:   provider,
				Model:      model,
				Cause:      err,
			}
		}
	}

	for _, p := range []string{"quota", "insufficient", "billing"} {
		if strings.Contains(errStr, p) {
			return &Error{
				Kind:     KindBudget,
				Message:  "budget or quota exceeded",
				Provider: provider,
				Model:    model,
				Cause:    err,
			}
		}
	}

	return &Error{
		Kind:       KindTransient,
		Message:    "transient error",
		StatusCode: extractStatusCode(errStr),
		Provider:   provider,
		Model:      model,
		Cause:      err,
	}
}

// extractStatusCode finds a known HTTP status code in an error string.
func extractStatusCode(errStr string) int {
	codes := map[string]int{
		"400": 400, "401": 401, "403": 403, "404": 404,
		"429": 429, "500": 500, "502": 502, "503": 503,
		"504": 504, "529": 529,
	}
	for code, num := range codes {
		if strings.Contains(errStr, code) {
			return num
		}
	}
	return 0
}
