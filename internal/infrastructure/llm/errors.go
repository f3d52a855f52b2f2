package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// The provider error set is closed so callers can branch on kind with
// errors.As. Messages mirror what upstreams and the router actually saw;
// bodies are preserved verbatim for debugging.

// NoTokenError means no usable credential exists for the provider, or
// the upstream rejected the one we had.
type NoTokenError struct {
	Provider string
}

func (e *NoTokenError) Error() string {
	return fmt.Sprintf("no token available for %s", e.Provider)
}

// RateLimitedError is an upstream 429. RetryAfter is zero when the
// upstream gave no usable hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// APIError is any non-success upstream response that no more specific
// classification claimed.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Body)
}

// ContextWindowError is a 400 whose body matched a context-window
// pattern. MaxTokens is zero when the model's window is unknown.
type ContextWindowError struct {
	Provider  string
	Message   string
	MaxTokens int
}

func (e *ContextWindowError) Error() string {
	return fmt.Sprintf("context window exceeded (%s): %s", e.Provider, e.Message)
}

// StreamError is an invariant violation while decoding an SSE stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %s", e.Message)
}

// InvalidRequestError means validation failed before dispatch.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// ResponseParsingError means the upstream answered 2xx but the body or
// an event payload did not decode.
type ResponseParsingError struct {
	Message string
	Err     error
}

func (e *ResponseParsingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("response parsing error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("response parsing error: %s", e.Message)
}

func (e *ResponseParsingError) Unwrap() error { return e.Err }

// NoProviderError means no registered provider could serve the model.
type NoProviderError struct {
	Model string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider for model: %s", e.Model)
}

// AllFailedError means every candidate was tried and none produced a
// usable error to surface. The router prefers the last concrete error
// and returns this only when no candidate reported one.
type AllFailedError struct {
	Model string
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all providers failed for model %s", e.Model)
}

// StatusCode maps a provider error to the HTTP status the gateway should
// answer with. Unclassified errors fall through to 502.
func StatusCode(err error) int {
	var (
		noToken   *NoTokenError
		rate      *RateLimitedError
		api       *APIError
		ctxWin    *ContextWindowError
		invalid   *InvalidRequestError
		noProv    *NoProviderError
		streamErr *StreamError
	)
	switch {
	case errors.As(err, &noToken):
		return 401
	case errors.As(err, &rate):
		return 429
	case errors.As(err, &ctxWin), errors.As(err, &invalid):
		return 400
	case errors.As(err, &api):
		if api.Status >= 400 && api.Status < 600 {
			return api.Status
		}
		return 502
	case errors.As(err, &noProv), errors.As(err, &streamErr):
		return 502
	default:
		return 502
	}
}

// ErrorType yields the OpenAI-style error type string for the response
// envelope.
func ErrorType(err error) string {
	var (
		noToken *NoTokenError
		rate    *RateLimitedError
		ctxWin  *ContextWindowError
		invalid *InvalidRequestError
	)
	switch {
	case errors.As(err, &noToken):
		return "authentication_error"
	case errors.As(err, &rate):
		return "rate_limit_error"
	case errors.As(err, &ctxWin), errors.As(err, &invalid):
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// ErrorCode yields the optional machine-readable code for the envelope,
// or "" when none applies.
func ErrorCode(err error) string {
	var (
		noToken *NoTokenError
		rate    *RateLimitedError
		ctxWin  *ContextWindowError
	)
	switch {
	case errors.As(err, &noToken):
		return "invalid_api_key"
	case errors.As(err, &rate):
		return "rate_limit_exceeded"
	case errors.As(err, &ctxWin):
		return "context_length_exceeded"
	default:
		return ""
	}
}

// RetryAfter extracts the retry hint from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rate *RateLimitedError
	if errors.As(err, &rate) && rate.RetryAfter > 0 {
		return rate.RetryAfter, true
	}
	return 0, false
}

// contextWindowPatterns are matched case-insensitively against 400
// bodies to distinguish oversized prompts from other bad requests.
var contextWindowPatterns = []string{
	"context_length_exceeded",
	"prompt is too long",
	"maximum context length",
	"token limit",
	"too many tokens",
	"input is too long",
	"exceeds the maximum",
	"resource_exhausted",
}

// DetectContextWindowError classifies a 400 body. It returns nil for
// any other status regardless of body content.
func DetectContextWindowError(provider string, status int, body string) *ContextWindowError {
	if status != 400 {
		return nil
	}
	lower := strings.ToLower(body)
	for _, pat := range contextWindowPatterns {
		if strings.Contains(lower, pat) {
			return &ContextWindowError{Provider: provider, Message: body}
		}
	}
	return nil
}
