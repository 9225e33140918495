package providers

import (
	"fmt"
	"strings"
)

// Reason buckets a provider failure for retry decisions and operator
// logs.
type Reason string

const (
	ReasonRateLimit   Reason = "rate_limit"
	ReasonTimeout     Reason = "timeout"
	ReasonServerError Reason = "server_error"
	ReasonAuth        Reason = "auth"
	ReasonBilling     Reason = "billing"
	ReasonBadRequest  Reason = "bad_request"
	ReasonUnknown     Reason = "unknown"
)

// Retryable reports whether a failure with this reason is worth
// retrying against the same provider.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	}
	return false
}

// Error wraps a provider failure with enough context to log and
// classify it without parsing message text again upstream.
type Error struct {
	Provider string
	Model    string
	Reason   Reason
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s model=%s: %v", e.Reason, e.Provider, e.Model, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// wrapErr classifies and wraps a raw SDK error. Already-wrapped errors
// pass through so reasons are assigned once.
func wrapErr(provider, model string, cause error) error {
	if cause == nil {
		return nil
	}
	if _, ok := cause.(*Error); ok {
		return cause
	}
	return &Error{
		Provider: provider,
		Model:    model,
		Reason:   classify(cause),
		Cause:    cause,
	}
}

// classify maps an error onto a Reason by inspecting its text. SDKs
// expose status codes inconsistently across transports, so the string
// heuristics the APIs actually emit are the common denominator.
func classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case hasAny(msg, "timeout", "deadline exceeded", "context deadline"):
		return ReasonTimeout
	case hasAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case hasAny(msg, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case hasAny(msg, "billing", "payment", "quota", "insufficient", "402"):
		return ReasonBilling
	case hasAny(msg, "invalid request", "invalid_request", "400"):
		return ReasonBadRequest
	case hasAny(msg, "internal server", "server error", "overloaded", "500", "502", "503", "504"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func retryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Reason.Retryable()
	}
	return classify(err).Retryable()
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
