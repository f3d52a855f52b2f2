package anthropic

// --- Anthropic Messages API Types ---
// Reference: https://docs.anthropic.com/en/api/messages
//
// Key differences from OpenAI:
// - Messages use content blocks ([]ContentBlock) instead of flat string content
// - Tool calls are content blocks with type "tool_use"
// - Tool results are sent as role "user" with type "tool_result"
// - System prompt is a separate top-level field, not a message
// - Streaming uses typed events (message_start, content_block_delta, ...)

// Request is the Messages API request body.
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
	Stream        bool             `json:"stream,omitempty"`
}

// Message is one conversation turn. Role is "user" or "assistant"; tool
// results ride along as user turns carrying tool_result blocks.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a polymorphic content element. Exactly the fields for
// its Type are populated.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "image" | "tool_use" | "tool_result" | "thinking"

	// For type "text"
	Text string `json:"text,omitempty"`

	// For type "image"
	Source *ImageSource `json:"source,omitempty"`

	// For type "tool_use" (assistant requesting a tool call)
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// For type "tool_result" (user providing tool output). Content is a
	// pointer so an empty result still serializes.
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   *string `json:"content,omitempty"`
	IsError   *bool   `json:"is_error,omitempty"`

	// For type "thinking" (extended thinking)
	Thinking string `json:"thinking,omitempty"`
}

// ImageSource addresses an image either inline (base64) or by URL.
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Response is the Messages API non-streaming response.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage reports token consumption, including prompt-cache counters.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// --- Streaming Types ---
// Anthropic streams typed SSE events; the event name is duplicated in the
// payload's "type" field, which is what the stream state dispatches on.

// StreamEvent is one decoded SSE payload.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For message_start
	Message *StreamMessage `json:"message,omitempty"`

	// For content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta and message_delta
	Delta *StreamDelta `json:"delta,omitempty"`

	// For message_delta
	Usage *Usage `json:"usage,omitempty"`

	// For error
	Error *StreamErrorDetail `json:"error,omitempty"`
}

// StreamMessage is the message envelope of a message_start event.
type StreamMessage struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// StreamDelta is the delta of a content_block_delta or message_delta.
type StreamDelta struct {
	Type        string `json:"type"` // "text_delta" | "input_json_delta" | "thinking_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`

	// For message_delta events
	StopReason string `json:"stop_reason,omitempty"`
}

// StreamErrorDetail is the payload of an error event.
type StreamErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
