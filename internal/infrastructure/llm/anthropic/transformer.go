package anthropic

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// DefaultMaxTokens fills max_tokens when a request omits it; the
// Messages API requires the field.
const DefaultMaxTokens = 8192

var defaultModels = []string{
	"claude-sonnet-4-20250514",
	"claude-haiku-4-20250514",
	"claude-opus-4-20250514",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
}

// convertMessages maps canonical messages onto Messages API turns:
// system turns are stripped (they ride in the top-level system field),
// adjacent same-role turns are merged so roles alternate, and tool
// results become user turns carrying tool_result blocks.
func convertMessages(messages []llm.ChatMessage) []Message {
	merged := llm.MergeAdjacentMessages(llm.FilterSystemMessages(messages))

	out := make([]Message, 0, len(merged))
	for _, msg := range merged {
		switch msg.Role {
		case llm.RoleTool:
			out = append(out, convertToolMessage(msg))
		case llm.RoleAssistant:
			out = append(out, convertAssistantMessage(msg))
		case llm.RoleUser:
			out = append(out, Message{Role: llm.RoleUser, Content: userBlocks(msg.Content)})
		}
	}
	return out
}

func convertToolMessage(msg llm.ChatMessage) Message {
	text := msg.Content.PlainText()
	block := ContentBlock{
		Type:      "tool_result",
		ToolUseID: llm.SanitizeToolCallID(msg.ToolCallID),
		Content:   &text,
	}
	return Message{Role: llm.RoleUser, Content: []ContentBlock{block}}
}

func convertAssistantMessage(msg llm.ChatMessage) Message {
	var blocks []ContentBlock
	if msg.Content.Text != nil {
		if *msg.Content.Text != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: *msg.Content.Text})
		}
	} else {
		for _, part := range msg.Content.Parts {
			if block, ok := convertContentPart(part); ok {
				blocks = append(blocks, block)
			}
		}
	}

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    llm.SanitizeToolCallID(tc.ID),
			Name:  tc.Function.Name,
			Input: llm.DecodeToolArguments(tc.Function.Arguments),
		})
	}

	// The API rejects empty assistant content.
	if len(blocks) == 0 {
		blocks = []ContentBlock{{Type: "text", Text: " "}}
	}
	return Message{Role: llm.RoleAssistant, Content: blocks}
}

func userBlocks(content llm.MessageContent) []ContentBlock {
	if content.Text != nil {
		if *content.Text == "" {
			return []ContentBlock{}
		}
		return []ContentBlock{{Type: "text", Text: *content.Text}}
	}
	blocks := make([]ContentBlock, 0, len(content.Parts))
	for _, part := range content.Parts {
		if block, ok := convertContentPart(part); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func convertContentPart(part llm.ContentPart) (ContentBlock, bool) {
	switch part.Type {
	case llm.ContentTypeText:
		if part.Text == "" {
			return ContentBlock{}, false
		}
		return ContentBlock{Type: "text", Text: part.Text}, true
	case llm.ContentTypeImageURL:
		if part.ImageURL == nil {
			return ContentBlock{}, false
		}
		sourceType, mediaType, data := llm.ParseImageURL(part.ImageURL.URL)
		if sourceType == "url" {
			return ContentBlock{Type: "image", Source: &ImageSource{Type: "url", URL: data}}, true
		}
		return ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data}}, true
	}
	return ContentBlock{}, false
}

// ConvertResponse maps a decoded Messages API response onto the
// canonical shape: text blocks concatenate into content, thinking
// blocks into reasoning_content, and tool_use blocks become tool calls
// with re-serialized arguments.
func ConvertResponse(resp *Response, meta *llm.ResponseMeta) *llm.ChatResponse {
	id := resp.ID
	if id == "" {
		id = "msg_unknown"
	}
	model := resp.Model
	if model == "" {
		model = meta.Model
	}
	stopReason := resp.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	var textParts []string
	var reasoning strings.Builder
	var toolCalls []llm.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			idx := len(toolCalls)
			args := "{}"
			if block.Input != nil {
				if data, err := json.Marshal(block.Input); err == nil {
					args = string(data)
				}
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				Index:    &idx,
				ID:       block.ID,
				Type:     "function",
				Function: llm.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	var content *string
	if len(textParts) > 0 {
		joined := strings.Join(textParts, "")
		content = &joined
	}

	usage := llm.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if resp.Usage.CacheReadInputTokens > 0 || resp.Usage.CacheCreationInputTokens > 0 {
		usage.PromptTokensDetails = &llm.PromptTokensDetails{
			CachedTokens: resp.Usage.CacheReadInputTokens,
		}
	}

	return &llm.ChatResponse{
		ID:      id,
		Object:  llm.ObjectChatCompletion,
		Created: meta.Created,
		Model:   model,
		Choices: []llm.Choice{{
			Index: 0,
			Message: llm.ResponseMessage{
				Role:             llm.RoleAssistant,
				Content:          content,
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: llm.MapFinishReason(stopReason),
		}},
		Usage: usage,
	}
}

// Transformer implements the Claude flavor of the Anthropic dialect.
type Transformer struct {
	logger *zap.Logger
}

// NewTransformer builds the Claude transformer. A nil logger disables
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

	body := &Request{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      llm.ConcatSystemMessages(req.Messages),
		Messages:    convertMessages(req.Messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if len(req.Stop) > 0 {
		body.StopSequences = []string(req.Stop)
	}
	if len(req.Tools) > 0 {
		body.Tools = llm.ToolsToAnthropic(req.Tools)
		if req.ToolChoice != nil {
			body.ToolChoice = llm.ToolChoiceToAnthropic(req.ToolChoice)
		}
	}
	return body, nil
}

func (t *Transformer) TransformResponse(body []byte, meta *llm.ResponseMeta) (*llm.ChatResponse, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decoding messages response", Err: err}
	}
	return ConvertResponse(&resp, meta), nil
}

func (t *Transformer) NewStreamState(model string) llm.StreamState {
	return NewStreamState(model, t.logger)
}

func (t *Transformer) ProviderID() string   { return llm.ProviderClaude }
func (t *Transformer) ProviderName() string { return "Anthropic" }

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
