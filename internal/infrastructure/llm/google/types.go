package google

// --- Google Generative Language API types ---
// Reference: https://ai.google.dev/api/rest/v1beta/models/generateContent
//
// Key differences from OpenAI:
// - Messages are contents[].parts[] instead of messages[].content
// - Tool calls are parts[].functionCall, results parts[].functionResponse
// - The system prompt is a separate system_instruction field
// - Thinking rides on parts as thought:true plus a thoughtSignature

// Request is the generateContent request body. Tools and ToolConfig are
// built by the shared llm helpers and kept as loose maps.
type Request struct {
	SystemInstruction *Content          `json:"system_instruction,omitempty"`
	Contents          []Content         `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []map[string]any  `json:"tools,omitempty"`
	ToolConfig        map[string]any    `json:"tool_config,omitempty"`
}

// Content is one conversation turn. Role is "user" or "model"; the
// system instruction omits it.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a polymorphic content element. Exactly one payload field is
// set; Thought and ThoughtSignature decorate text and functionCall
// parts on thinking models.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is the model requesting a tool invocation. Args is the
// decoded argument object, not a JSON string.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse feeds a tool result back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Blob is inline base64 media.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references media by URI.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GenerationConfig carries the sampling parameters. Emitted only when a
// request sets at least one of them.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// Response is the generateContent response body. Streaming payloads are
// partial Responses carrying incremental candidate parts.
type Response struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Candidate is one generated completion.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// UsageMetadata reports token consumption.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

// Total returns totalTokenCount, falling back to the sum of prompt and
// candidate counts when the API omits it.
func (u *UsageMetadata) Total() int {
	if u.TotalTokenCount > 0 {
		return u.TotalTokenCount
	}
	return u.PromptTokenCount + u.CandidatesTokenCount
}
