package llm

import (
	"encoding/json"
	"fmt"
)

// --- Roles and finish reasons ---

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

const (
	ObjectChatCompletion = "chat.completion"
	ObjectChatChunk      = "chat.completion.chunk"
)

// --- Request ---

// ChatRequest is the inbound chat completion request. Field names and
// wire shapes follow the OpenAI chat completions API so clients built
// against that API work unchanged.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Stop          StopSequences  `json:"stop,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// WithStream returns a shallow copy with the stream flag forced to the
// given value. Providers use it so the caller's request is never mutated.
func (r *ChatRequest) WithStream(stream bool) *ChatRequest {
	cp := *r
	cp.Stream = stream
	return &cp
}

// StreamOptions carries streaming behavior flags.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// StopSequences accepts either a single string or an array of strings
// on the wire and always normalizes to an array in memory.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = StopSequences(many)
	return nil
}

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	// ReasoningContent appears when a client echoes a previous assistant
	// turn verbatim. Dialects that can replay thinking consume it; the
	// rest ignore it.
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	Name             string     `json:"name,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
}

// MessageContent is the content union: a plain string, a list of typed
// parts, or JSON null (assistant messages that only carry tool calls).
type MessageContent struct {
	Text  *string
	Parts []ContentPart
}

// TextContent wraps a plain string as message content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

// PartsContent wraps a part list as message content.
func PartsContent(parts []ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// IsNull reports whether the content was JSON null or absent.
func (c MessageContent) IsNull() bool {
	return c.Text == nil && c.Parts == nil
}

// PlainText flattens the content to a single string. Image parts are
// skipped; text parts are concatenated in order.
func (c MessageContent) PlainText() string {
	if c.Text != nil {
		return *c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == ContentTypeText {
			out += p.Text
		}
	}
	return out
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	return []byte("null"), nil
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = MessageContent{}
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = &text
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string, an array of parts, or null")
	}
	c.Text = nil
	c.Parts = parts
	return nil
}

const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *ImageURLRef `json:"image_url,omitempty"`
}

// ImageURLRef references an image either by remote URL or data URI.
type ImageURLRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// --- Tools ---

// Tool declares a function the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function. Parameters is kept
// as raw JSON so schemas pass through byte-for-byte.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a function invocation requested by the model. Index is
// only present on streaming deltas.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
// Arguments accumulate across streaming deltas and may be a fragment.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ToolChoice is the tool selection union: the strings "auto", "required"
// or "none", or an object forcing one named function.
type ToolChoice struct {
	Mode     string
	Function string
}

func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Function != "" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": t.Function},
		})
	}
	return json.Marshal(t.Mode)
}

func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		t.Mode = mode
		t.Function = ""
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool_choice must be a string or a function object")
	}
	t.Mode = ""
	t.Function = obj.Function.Name
	return nil
}

// --- Response ---

// ChatResponse is a complete, non-streaming chat completion.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative. The gateway always produces
// exactly one.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant turn of a completed response.
// Content is null when the model produced only tool calls.
type ResponseMessage struct {
	Role             string     `json:"role"`
	Content          *string    `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// PromptTokensDetails breaks out prompt token counts.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompletionTokensDetails breaks out completion token counts.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// --- Streaming ---

// ChatChunk is one streaming delta frame.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one choice of a streaming frame. FinishReason stays
// null until the terminal frame.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental payload of a streaming frame.
type Delta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// StreamResult is one item on a provider stream channel. Exactly one of
// Chunk or Err is set; a nil-Chunk nil-Err item never appears.
type StreamResult struct {
	Chunk *ChatChunk
	Err   error
}

// ModelInfo describes one model exposed through /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
