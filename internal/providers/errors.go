package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailureReason categorizes why a provider request failed. The taxonomy
// drives retry decisions and terminal conversation statuses.
type FailureReason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth FailureReason = "authentication"

	// ReasonQuota indicates exhausted quota or billing problems (HTTP 402).
	ReasonQuota FailureReason = "quota"

	// ReasonTimeout indicates a request deadline was exceeded.
	ReasonTimeout FailureReason = "timeout"

	// ReasonServerError indicates server-side issues (HTTP 5xx).
	ReasonServerError FailureReason = "server_error"

	// ReasonOverloaded indicates the vendor shed load (Anthropic 529,
	// "overloaded_error" and friends).
	ReasonOverloaded FailureReason = "overloaded"

	// ReasonContextLength indicates the history exceeded the model's
	// context window. Ends the conversation as context_limit_reached.
	ReasonContextLength FailureReason = "context_length"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400),
	// including unsupported parameters.
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown FailureReason = "unknown"
)

// IsRetryable reports whether retrying with backoff may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError, ReasonOverloaded:
		return true
	default:
		return false
	}
}

// Error is a structured provider failure carrying the context needed for
// retry decisions and APIError events.
type Error struct {
	Reason    FailureReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string

	// RetryAfter is a vendor-reported wait hint, zero when absent.
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps a raw vendor error with classification.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithCode sets a vendor error code and reclassifies when it is known.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if r := classifyCode(code); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithMessage sets the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	if msg != "" {
		e.Message = msg
		if r := classifyText(msg); e.Reason == ReasonUnknown && r != ReasonUnknown {
			e.Reason = r
		}
	}
	return e
}

// WithRequestID sets the vendor request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithRetryAfter records a vendor wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ReasonOf returns the failure reason for any error.
func ReasonOf(err error) FailureReason {
	if pe, ok := AsError(err); ok {
		return pe.Reason
	}
	return Classify(err)
}

// IsRetryable reports whether an error should be retried with backoff.
func IsRetryable(err error) bool {
	return ReasonOf(err).IsRetryable()
}

// RetryAfterHint extracts a vendor-reported wait from an error chain,
// zero when absent.
func RetryAfterHint(err error) time.Duration {
	if pe, ok := AsError(err); ok {
		return pe.RetryAfter
	}
	return 0
}

// Classify inspects an error and returns the best-matching reason.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return classifyText(err.Error())
}

func classifyText(s string) FailureReason {
	s = strings.ToLower(s)

	switch {
	case strings.Contains(s, "context_length") ||
		strings.Contains(s, "context length") ||
		strings.Contains(s, "maximum context") ||
		strings.Contains(s, "prompt is too long") ||
		strings.Contains(s, "context window"):
		return ReasonContextLength

	case strings.Contains(s, "rate limit") ||
		strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "429"):
		return ReasonRateLimit

	case strings.Contains(s, "overloaded") ||
		strings.Contains(s, "529") ||
		strings.Contains(s, "capacity"):
		return ReasonOverloaded

	case strings.Contains(s, "timeout") ||
		strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "timed out"):
		return ReasonTimeout

	case strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "invalid api key") ||
		strings.Contains(s, "invalid_api_key") ||
		strings.Contains(s, "authentication") ||
		strings.Contains(s, "permission") ||
		strings.Contains(s, "401") ||
		strings.Contains(s, "403"):
		return ReasonAuth

	case strings.Contains(s, "quota") ||
		strings.Contains(s, "billing") ||
		strings.Contains(s, "insufficient") ||
		strings.Contains(s, "payment") ||
		strings.Contains(s, "402"):
		return ReasonQuota

	case strings.Contains(s, "invalid_request") ||
		strings.Contains(s, "invalid request") ||
		strings.Contains(s, "unsupported parameter") ||
		strings.Contains(s, "400"):
		return ReasonInvalidRequest

	case strings.Contains(s, "internal server") ||
		strings.Contains(s, "server error") ||
		strings.Contains(s, "bad gateway") ||
		strings.Contains(s, "service unavailable") ||
		strings.Contains(s, "gateway timeout") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "500") ||
		strings.Contains(s, "502") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "504"):
		return ReasonServerError
	}

	return ReasonUnknown
}

func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonQuota
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == 529:
		return ReasonOverloaded
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "insufficient_quota", "billing_error", "billing_hard_limit_reached":
		return ReasonQuota
	case "overloaded_error":
		return ReasonOverloaded
	case "context_length_exceeded":
		return ReasonContextLength
	case "invalid_request_error":
		return ReasonInvalidRequest
	case "server_error", "internal_error", "api_error":
		return ReasonServerError
	case "timeout_error":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// parseRetryAfter converts a Retry-After header value (seconds or HTTP
// date) into a duration, zero when unparseable.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
