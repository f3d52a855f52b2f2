package kiro

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
	"github.com/gaud/gateway/internal/infrastructure/llm/anthropic"
)

// DefaultMaxTokens fills max_tokens when a request omits it; the
// Messages API requires the field.
const DefaultMaxTokens = 8192

// ModelPrefix routes a request to this provider and is stripped before
// the model name goes upstream.
const ModelPrefix = "kiro:"

var defaultModels = []string{
	"kiro:auto",
	"kiro:claude-sonnet-4",
	"kiro:claude-sonnet-4.5",
	"kiro:claude-haiku-4.5",
	"kiro:claude-opus-4.5",
	"kiro:claude-3.7-sonnet",
}

// Request is the Messages API body sent to Kiro. It differs from the
// Claude rendering in two ways: message content may use the string
// shorthand, and stream is always serialized because the endpoint
// answers in SSE regardless of the flag.
type Request struct {
	Model         string           `json:"model"`
	MaxTokens     int              `json:"max_tokens"`
	System        string           `json:"system,omitempty"`
	Messages      []Message        `json:"messages"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Tools         []map[string]any `json:"tools,omitempty"`
	ToolChoice    map[string]any   `json:"tool_choice,omitempty"`
	Stream        bool             `json:"stream"`
}

// Message is one conversation turn. Content is either a plain string
// or a []anthropic.ContentBlock.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// StripModelPrefix removes the routing prefix; the upstream knows
// models by their bare names.
func StripModelPrefix(model string) string {
	return strings.TrimPrefix(model, ModelPrefix)
}

func convertUserMessage(msg llm.ChatMessage) Message {
	if msg.Content.Text != nil {
		return Message{Role: llm.RoleUser, Content: *msg.Content.Text}
	}
	if msg.Content.Parts != nil {
		blocks := make([]anthropic.ContentBlock, 0, len(msg.Content.Parts))
		for _, part := range msg.Content.Parts {
			if block, ok := convertPart(part); ok {
				blocks = append(blocks, block)
			}
		}
		return Message{Role: llm.RoleUser, Content: blocks}
	}
	return Message{Role: llm.RoleUser, Content: ""}
}

func convertPart(part llm.ContentPart) (anthropic.ContentBlock, bool) {
	switch part.Type {
	case llm.ContentTypeText:
		if part.Text == "" {
			return anthropic.ContentBlock{}, false
		}
		return anthropic.ContentBlock{Type: "text", Text: part.Text}, true
	case llm.ContentTypeImageURL:
		if part.ImageURL == nil {
			return anthropic.ContentBlock{}, false
		}
		sourceType, mediaType, data := llm.ParseImageURL(part.ImageURL.URL)
		if sourceType == "base64" {
			return anthropic.ContentBlock{
				Type:   "image",
				Source: &anthropic.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
			}, true
		}
		// Kiro's endpoint rejects remote image URLs; degrade to a
		// text placeholder.
		return anthropic.ContentBlock{Type: "text", Text: "[Image: " + part.ImageURL.URL + "]"}, true
	}
	return anthropic.ContentBlock{}, false
}

func convertAssistantMessage(msg llm.ChatMessage) Message {
	var blocks []anthropic.ContentBlock
	if text := msg.Content.PlainText(); text != "" {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    llm.SanitizeToolCallID(tc.ID),
			Name:  tc.Function.Name,
			Input: llm.DecodeToolArguments(tc.Function.Arguments),
		})
	}

	switch {
	case len(blocks) == 0:
		return Message{Role: llm.RoleAssistant, Content: ""}
	case len(blocks) == 1 && blocks[0].Type == "text":
		return Message{Role: llm.RoleAssistant, Content: blocks[0].Text}
	default:
		return Message{Role: llm.RoleAssistant, Content: blocks}
	}
}

func convertToolMessage(msg llm.ChatMessage) Message {
	text := msg.Content.PlainText()
	isErr := strings.HasPrefix(text, "Error:") ||
		strings.HasPrefix(text, "error:") ||
		strings.HasPrefix(text, "ERROR:")
	return Message{Role: llm.RoleUser, Content: []anthropic.ContentBlock{{
		Type:      "tool_result",
		ToolUseID: llm.SanitizeToolCallID(msg.ToolCallID),
		Content:   &text,
		IsError:   &isErr,
	}}}
}

// mergeAdjacent folds consecutive same-role turns into one turn whose
// content is the concatenation of both sides' blocks. The Messages API
// requires strictly alternating roles, and tool results arrive as user
// turns that often neighbor real user messages.
func mergeAdjacent(messages []Message) []Message {
	merged := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			last := &merged[n-1]
			last.Content = append(contentBlocks(last.Content), contentBlocks(msg.Content)...)
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// contentBlocks normalizes a turn's content to a block slice. A
// non-empty string becomes a single text block; an empty string
// contributes nothing.
func contentBlocks(content any) []anthropic.ContentBlock {
	switch c := content.(type) {
	case []anthropic.ContentBlock:
		return c
	case string:
		if c == "" {
			return nil
		}
		return []anthropic.ContentBlock{{Type: "text", Text: c}}
	}
	return nil
}

// Transformer implements the Kiro flavor of the Anthropic dialect.
type Transformer struct {
	logger *zap.Logger
}

// NewTransformer builds the Kiro transformer. A nil logger disables
// stream diagnostics.
func NewTransformer(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger}
}

var _ llm.Transformer = (*Transformer)(nil)

func (t *Transformer) TransformRequest(req *llm.ChatRequest) (any, error) {
	maxTokens := DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	messages := make([]Message, 0, len(req.Messages))
	for _, msg := range llm.FilterSystemMessages(req.Messages) {
		switch msg.Role {
		case llm.RoleTool:
			messages = append(messages, convertToolMessage(msg))
		case llm.RoleAssistant:
			messages = append(messages, convertAssistantMessage(msg))
		default:
			messages = append(messages, convertUserMessage(msg))
		}
	}

	body := &Request{
		Model:       StripModelPrefix(req.Model),
		MaxTokens:   maxTokens,
		System:      llm.ConcatSystemMessages(req.Messages),
		Messages:    mergeAdjacent(messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if len(req.Stop) > 0 {
		body.StopSequences = []string(req.Stop)
	}
	if len(req.Tools) > 0 {
		body.Tools = llm.ToolsToAnthropic(req.Tools)
	}
	if req.ToolChoice != nil {
		body.ToolChoice = llm.ToolChoiceToAnthropic(req.ToolChoice)
	}
	return body, nil
}

func (t *Transformer) TransformResponse(body []byte, meta *llm.ResponseMeta) (*llm.ChatResponse, error) {
	var resp anthropic.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decoding kiro response", Err: err}
	}
	out := anthropic.ConvertResponse(&resp, meta)
	// Clients address this provider by the prefixed model name; echo it
	// back rather than whatever the upstream reports.
	out.Model = meta.Model
	return out, nil
}

func (t *Transformer) NewStreamState(model string) llm.StreamState {
	return NewStreamState(model, t.logger)
}

func (t *Transformer) ProviderID() string   { return llm.ProviderKiro }
func (t *Transformer) ProviderName() string { return "Kiro (Amazon Q)" }

func (t *Transformer) SupportsModel(model string) bool {
	for _, m := range defaultModels {
		if m == model {
			return true
		}
	}
	return false
}

func (t *Transformer) SupportedModels() []string {
	return append([]string(nil), defaultModels...)
}

func (t *Transformer) DefaultMaxTokens() int { return DefaultMaxTokens }

func (t *Transformer) MapFinishReason(reason string) string {
	return llm.MapFinishReason(reason)
}
