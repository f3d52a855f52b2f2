package google

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// DefaultMaxTokens is advertised as the dialect fallback. The API
// treats a missing maxOutputTokens as model default, so requests omit
// the field unless the caller set one.
const DefaultMaxTokens = 16384

var defaultModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

const (
	roleUser  = "user"
	roleModel = "model"
)

// Transformer converts between the canonical types and the Google
// generateContent dialect.
type Transformer struct {
	logger *zap.Logger
}

// NewTransformer creates a Google dialect transformer.
func NewTransformer(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger}
}

var _ llm.Transformer = (*Transformer)(nil)

func (t *Transformer) TransformRequest(req *llm.ChatRequest) (any, error) {
	family := DetectModelFamily(req.Model)

	out := &Request{Contents: []Content{}}
	if system := llm.ConcatSystemMessages(req.Messages); system != "" {
		out.SystemInstruction = &Content{Parts: []Part{{Text: system}}}
	}
	for _, msg := range llm.FilterSystemMessages(req.Messages) {
		if content, ok := convertMessage(msg, family); ok {
			out.Contents = append(out.Contents, content)
		}
	}
	if gc := generationConfig(req); gc != nil {
		out.GenerationConfig = gc
	}
	if len(req.Tools) > 0 {
		out.Tools = llm.ToolsToGoogle(req.Tools)
	}
	if req.ToolChoice != nil {
		out.ToolConfig = llm.ToolChoiceToGoogle(req.ToolChoice)
	}
	return out, nil
}

func (t *Transformer) TransformResponse(body []byte, meta *llm.ResponseMeta) (*llm.ChatResponse, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decoding generateContent response", Err: err}
	}
	return ConvertResponse(&resp, meta)
}

func (t *Transformer) NewStreamState(model string) llm.StreamState {
	return NewStreamState(model)
}

func (t *Transformer) ProviderID() string   { return llm.ProviderGemini }
func (t *Transformer) ProviderName() string { return "Google Gemini" }

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

// --- Request conversion ---

func convertMessage(msg llm.ChatMessage, family ModelFamily) (Content, bool) {
	switch msg.Role {
	case llm.RoleUser:
		return Content{Role: roleUser, Parts: ensureParts(userParts(msg.Content))}, true
	case llm.RoleAssistant:
		return Content{Role: roleModel, Parts: ensureParts(assistantParts(msg, family))}, true
	case llm.RoleTool:
		return Content{Role: roleUser, Parts: []Part{{FunctionResponse: toolResponse(msg)}}}, true
	}
	return Content{}, false
}

// ensureParts fills an empty part list with a single space placeholder.
// The API rejects turns without parts.
func ensureParts(parts []Part) []Part {
	if len(parts) == 0 {
		return []Part{{Text: " "}}
	}
	return parts
}

func userParts(content llm.MessageContent) []Part {
	if content.Text != nil {
		if *content.Text == "" {
			return nil
		}
		return []Part{{Text: *content.Text}}
	}
	var parts []Part
	for _, part := range content.Parts {
		switch part.Type {
		case llm.ContentTypeText:
			parts = append(parts, Part{Text: part.Text})
		case llm.ContentTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			sourceType, mediaType, data := llm.ParseImageURL(part.ImageURL.URL)
			if sourceType == "base64" {
				parts = append(parts, Part{InlineData: &Blob{MimeType: mediaType, Data: data}})
			} else {
				parts = append(parts, Part{FileData: &FileData{MimeType: mediaType, FileURI: data}})
			}
		}
	}
	return parts
}

func assistantParts(msg llm.ChatMessage, family ModelFamily) []Part {
	var parts []Part
	if msg.ReasoningContent != "" {
		// Thinking is replayed only when its signature survived in the
		// cache; Gemini rejects thought parts it did not sign, so an
		// unsigned thought is dropped rather than forwarded.
		if sig, ok := Signatures.Thinking(msg.ReasoningContent, family); ok {
			parts = append(parts, Part{Text: msg.ReasoningContent, Thought: true, ThoughtSignature: sig})
		}
	}
	if text := assistantText(msg.Content); text != "" {
		parts = append(parts, Part{Text: text})
	}
	for _, tc := range msg.ToolCalls {
		part := Part{FunctionCall: &FunctionCall{
			Name: tc.Function.Name,
			Args: decodeArgs(tc.Function.Arguments),
		}}
		if family == FamilyGemini {
			part.ThoughtSignature = toolSignature(tc.ID, family)
		}
		parts = append(parts, part)
	}
	return parts
}

func assistantText(content llm.MessageContent) string {
	if content.Text != nil {
		return *content.Text
	}
	var texts []string
	for _, part := range content.Parts {
		if part.Type == llm.ContentTypeText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// toolSignature attaches the cached thought signature when replaying a
// tool call to a Gemini model, or the skip sentinel when the signature
// is gone (different process, expired, or minted by another family).
func toolSignature(toolID string, family ModelFamily) string {
	if sig, ok := Signatures.Tool(toolID, family); ok {
		return sig
	}
	return SkipSignature
}

func toolResponse(msg llm.ChatMessage) *FunctionResponse {
	name := msg.Name
	if name == "" {
		name = msg.ToolCallID
	}
	if name == "" {
		name = "function"
	}
	return &FunctionResponse{
		Name:     name,
		Response: map[string]any{"result": msg.Content.PlainText()},
	}
}

func decodeArgs(arguments string) map[string]any {
	args := map[string]any{}
	if arguments == "" {
		return args
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func encodeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func generationConfig(req *llm.ChatRequest) *GenerationConfig {
	if req.Temperature == nil && req.TopP == nil && req.MaxTokens == nil && len(req.Stop) == 0 {
		return nil
	}
	gc := &GenerationConfig{Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens != nil {
		gc.MaxOutputTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		gc.StopSequences = []string(req.Stop)
	}
	return gc
}

// --- Response conversion ---

// ConvertResponse maps a generateContent response onto the canonical
// shape. Only the first candidate is used; the gateway never asks for
// more than one.
func ConvertResponse(resp *Response, meta *llm.ResponseMeta) (*llm.ChatResponse, error) {
	if len(resp.Candidates) == 0 {
		return nil, &llm.ResponseParsingError{Message: "missing candidates array"}
	}
	candidate := resp.Candidates[0]
	family := DetectModelFamily(meta.Model)

	var text, reasoning strings.Builder
	var toolCalls []llm.ToolCall
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			id := "call_" + uuid.NewString()
			Signatures.StoreTool(id, part.ThoughtSignature, family)
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:       id,
				Type:     "function",
				Function: llm.FunctionCall{Name: part.FunctionCall.Name, Arguments: encodeArgs(part.FunctionCall.Args)},
			})
			continue
		}
		if part.Thought {
			reasoning.WriteString(part.Text)
			// Keyed by the accumulated text so far: the signature rides
			// on the final thought part, and the client replays the
			// concatenation.
			Signatures.StoreThinking(reasoning.String(), part.ThoughtSignature, family)
			continue
		}
		text.WriteString(part.Text)
	}

	message := llm.ResponseMessage{Role: llm.RoleAssistant, ToolCalls: toolCalls}
	if text.Len() > 0 {
		s := text.String()
		message.Content = &s
	}
	if reasoning.Len() > 0 {
		message.ReasoningContent = reasoning.String()
	}

	var usage llm.Usage
	if um := resp.UsageMetadata; um != nil {
		usage = llm.Usage{
			PromptTokens:     um.PromptTokenCount,
			CompletionTokens: um.CandidatesTokenCount,
			TotalTokens:      um.Total(),
		}
		if um.CachedContentTokenCount > 0 {
			usage.PromptTokens = um.PromptTokenCount - um.CachedContentTokenCount
			usage.PromptTokensDetails = &llm.PromptTokensDetails{CachedTokens: um.CachedContentTokenCount}
		}
		if um.ThoughtsTokenCount > 0 {
			usage.CompletionTokensDetails = &llm.CompletionTokensDetails{ReasoningTokens: um.ThoughtsTokenCount}
		}
	}

	return &llm.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  llm.ObjectChatCompletion,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []llm.Choice{{
			Message:      message,
			FinishReason: llm.MapFinishReason(candidate.FinishReason),
		}},
		Usage: usage,
	}, nil
}
