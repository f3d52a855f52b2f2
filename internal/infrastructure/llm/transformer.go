package llm

import (
	"net/http"
	"time"
)

// ResponseMeta carries response context from the transport into response
// transformation: which provider and model served the call, the response
// timestamp, and rate-limit information pulled from the upstream headers.
type ResponseMeta struct {
	Provider         string
	Model            string
	Created          int64
	RetryAfter       time.Duration
	RateLimitHeaders http.Header
	StatusCode       int
}

// NewResponseMeta captures the transform-relevant context of an upstream
// HTTP response.
func NewResponseMeta(provider, model string, resp *http.Response) *ResponseMeta {
	retryAfter, headers := ParseRateLimitHeaders(provider, resp.Header)
	return &ResponseMeta{
		Provider:         provider,
		Model:            model,
		Created:          time.Now().Unix(),
		RetryAfter:       retryAfter,
		RateLimitHeaders: headers,
		StatusCode:       resp.StatusCode,
	}
}

// Transformer converts between the OpenAI-compatible surface and one
// provider dialect. Implementations are stateless and safe for concurrent
// use; per-stream mutable state lives in the StreamState values they mint.
type Transformer interface {
	// TransformRequest builds the provider's native request body. The
	// returned value is marshaled as-is by the transport.
	TransformRequest(req *ChatRequest) (any, error)

	// TransformResponse parses a provider's non-streaming response body
	// into the canonical response shape.
	TransformResponse(body []byte, meta *ResponseMeta) (*ChatResponse, error)

	// NewStreamState mints the per-stream event machine for one request.
	NewStreamState(model string) StreamState

	ProviderID() string
	ProviderName() string
	SupportsModel(model string) bool
	SupportedModels() []string

	// DefaultMaxTokens is the dialect's max_tokens fallback, or zero when
	// the dialect does not require one.
	DefaultMaxTokens() int

	// MapFinishReason normalizes the dialect's stop reasons to the
	// OpenAI set.
	MapFinishReason(reason string) string
}
