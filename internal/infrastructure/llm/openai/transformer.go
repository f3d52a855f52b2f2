// Package openai implements the OpenAI-compatible passthrough dialect
// and the two providers that speak it: GitHub Copilot and a LiteLLM
// proxy. Requests and responses already share the gateway's canonical
// shapes, so transformation is mostly a matter of defaults, model-name
// prefixes and tolerant decoding.
package openai

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// defaultModels is the stock Copilot model list. Copilot also serves
// Anthropic models through the same endpoint.
var defaultModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
	"o1",
	"o1-mini",
	"o1-preview",
	"o3-mini",
	"claude-3.5-sonnet",
}

// ModelPrefix marks models routed through the LiteLLM proxy. It is
// stripped before the request goes upstream.
const ModelPrefix = "litellm:"

// Transformer is the passthrough dialect, parameterized for the provider
// surface it fronts. A prefix, when set, is trimmed from model names and
// any prefixed model counts as supported; lenient stream decoding skips
// malformed frames instead of failing the stream.
type Transformer struct {
	id      string
	name    string
	models  []string
	prefix  string
	lenient bool
	logger  *zap.Logger
}

var _ llm.Transformer = (*Transformer)(nil)

// TransformRequest reuses the canonical request as the wire body; the
// upstream speaks the same dialect. Only the model name may change.
func (t *Transformer) TransformRequest(req *llm.ChatRequest) (any, error) {
	body := *req
	if t.prefix != "" {
		body.Model = strings.TrimPrefix(body.Model, t.prefix)
	}
	return &body, nil
}

// TransformResponse decodes the upstream response, filling the defaults
// a lax upstream may omit and normalizing finish reasons.
func (t *Transformer) TransformResponse(body []byte, meta *llm.ResponseMeta) (*llm.ChatResponse, error) {
	var out llm.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decoding " + t.id + " response", Err: err}
	}
	if out.Object == "" {
		out.Object = llm.ObjectChatCompletion
	}
	for i := range out.Choices {
		choice := &out.Choices[i]
		if choice.Message.Role == "" {
			choice.Message.Role = llm.RoleAssistant
		}
		if choice.FinishReason != "" {
			choice.FinishReason = llm.MapFinishReason(choice.FinishReason)
		}
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return &out, nil
}

func (t *Transformer) NewStreamState(model string) llm.StreamState {
	return &StreamState{model: model, lenient: t.lenient, logger: t.logger}
}

func (t *Transformer) ProviderID() string   { return t.id }
func (t *Transformer) ProviderName() string { return t.name }

func (t *Transformer) SupportsModel(model string) bool {
	if t.prefix != "" && strings.HasPrefix(model, t.prefix) {
		return true
	}
	for _, m := range t.models {
		if m == model {
			return true
		}
	}
	return false
}

func (t *Transformer) SupportedModels() []string {
	return append([]string(nil), t.models...)
}

// DefaultMaxTokens is zero: the dialect forwards whatever the client
// sent and lets the upstream apply its own ceiling.
func (t *Transformer) DefaultMaxTokens() int { return 0 }

func (t *Transformer) MapFinishReason(reason string) string {
	return llm.MapFinishReason(reason)
}
