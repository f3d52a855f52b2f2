package google

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// StreamState accumulates streamGenerateContent payloads. Each SSE data
// line is a complete Response carrying incremental candidate parts; a
// chunk is emitted only when a payload contributes text, a tool call,
// or a finish reason. Usage counts arrive spread over payloads and ride
// out on the finish chunk.
type StreamState struct {
	model      string
	family     ModelFamily
	responseID string
	prompt     int
	completion int
	toolIndex  int
	thinking   strings.Builder
}

// NewStreamState mints the state machine for one streaming request. The
// API does not number streamed responses, so a chunk id is generated up
// front and reused for the whole stream.
func NewStreamState(model string) *StreamState {
	return &StreamState{
		model:      model,
		family:     DetectModelFamily(model),
		responseID: "chatcmpl-" + uuid.NewString(),
	}
}

var _ llm.StreamState = (*StreamState)(nil)

func (s *StreamState) ProcessPayload(data string) ([]*llm.ChatChunk, error) {
	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decoding stream payload", Err: err}
	}

	if um := resp.UsageMetadata; um != nil {
		if um.PromptTokenCount > 0 {
			s.prompt = um.PromptTokenCount
		}
		if um.CandidatesTokenCount > 0 {
			s.completion = um.CandidatesTokenCount
		}
	}

	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	candidate := resp.Candidates[0]

	var text, reasoning strings.Builder
	var toolCalls []llm.ToolCall
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			idx := s.toolIndex
			s.toolIndex++
			id := "call_" + uuid.NewString()
			Signatures.StoreTool(id, part.ThoughtSignature, s.family)
			toolCalls = append(toolCalls, llm.ToolCall{
				Index:    &idx,
				ID:       id,
				Type:     "function",
				Function: llm.FunctionCall{Name: part.FunctionCall.Name, Arguments: encodeArgs(part.FunctionCall.Args)},
			})
			continue
		}
		if part.Thought {
			reasoning.WriteString(part.Text)
			s.thinking.WriteString(part.Text)
			// The signature rides on the final thought part; keying by
			// the accumulated text matches what the client sends back
			// as reasoning_content.
			Signatures.StoreThinking(s.thinking.String(), part.ThoughtSignature, s.family)
			continue
		}
		text.WriteString(part.Text)
	}

	var finish *string
	if candidate.FinishReason != "" {
		mapped := llm.MapFinishReason(candidate.FinishReason)
		finish = &mapped
	}

	if text.Len() == 0 && reasoning.Len() == 0 && len(toolCalls) == 0 && finish == nil {
		return nil, nil
	}

	var delta llm.Delta
	if text.Len() > 0 || reasoning.Len() > 0 || len(toolCalls) > 0 {
		delta = llm.Delta{
			Role:             llm.RoleAssistant,
			Content:          text.String(),
			ReasoningContent: reasoning.String(),
			ToolCalls:        toolCalls,
		}
	}

	chunk := &llm.ChatChunk{
		ID:      s.responseID,
		Object:  llm.ObjectChatChunk,
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []llm.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
	if finish != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     s.prompt,
			CompletionTokens: s.completion,
			TotalTokens:      s.prompt + s.completion,
		}
	}
	return []*llm.ChatChunk{chunk}, nil
}
