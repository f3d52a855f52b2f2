package anthropic

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// StreamState converts the Messages API event stream into OpenAI-style
// chunks. One instance lives for exactly one stream; it carries the
// response id, the token counters and the tool-call index allocator
// across events.
type StreamState struct {
	model        string
	responseID   string
	inputTokens  int
	outputTokens int

	// nextToolIndex assigns sequential tool_call indices in discovery
	// order, independent of upstream block indices.
	nextToolIndex int
	// currentTool is the index of the tool_use block being streamed,
	// or -1 outside one.
	currentTool int

	logger *zap.Logger
}

// NewStreamState mints the event machine for one streaming request.
func NewStreamState(model string, logger *zap.Logger) *StreamState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamState{model: model, currentTool: -1, logger: logger}
}

var _ llm.StreamState = (*StreamState)(nil)

// ProcessPayload handles one decoded SSE payload.
func (s *StreamState) ProcessPayload(data string) ([]*llm.ChatChunk, error) {
	var event StreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decoding stream event", Err: err}
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.responseID = event.Message.ID
			if event.Message.Model != "" {
				s.model = event.Message.Model
			}
			s.inputTokens = event.Message.Usage.InputTokens
		}
		return s.emit(llm.Delta{Role: llm.RoleAssistant}, nil, nil), nil

	case "content_block_start":
		if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		idx := s.nextToolIndex
		s.nextToolIndex++
		s.currentTool = idx
		call := llm.ToolCall{
			Index:    &idx,
			ID:       llm.SanitizeToolCallID(event.ContentBlock.ID),
			Type:     "function",
			Function: llm.FunctionCall{Name: event.ContentBlock.Name},
		}
		return s.emit(llm.Delta{ToolCalls: []llm.ToolCall{call}}, nil, nil), nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return s.emit(llm.Delta{Content: event.Delta.Text}, nil, nil), nil
		case "input_json_delta":
			idx := s.currentTool
			if idx < 0 {
				idx = 0
			}
			call := llm.ToolCall{
				Index:    &idx,
				Function: llm.FunctionCall{Arguments: event.Delta.PartialJSON},
			}
			return s.emit(llm.Delta{ToolCalls: []llm.ToolCall{call}}, nil, nil), nil
		case "thinking_delta":
			return s.emit(llm.Delta{ReasoningContent: event.Delta.Thinking}, nil, nil), nil
		}
		return nil, nil

	case "content_block_stop":
		s.currentTool = -1
		return nil, nil

	case "message_delta":
		var finish *string
		if event.Delta != nil && event.Delta.StopReason != "" {
			mapped := llm.MapFinishReason(event.Delta.StopReason)
			finish = &mapped
		}
		if event.Usage != nil {
			s.outputTokens = event.Usage.OutputTokens
		}
		usage := s.usage()
		return s.emit(llm.Delta{}, finish, &usage), nil

	case "message_stop", "ping":
		return nil, nil

	case "error":
		return nil, streamError(event.Error)

	default:
		s.logger.Debug("ignoring unknown stream event", zap.String("event_type", event.Type))
		return nil, nil
	}
}

func (s *StreamState) emit(delta llm.Delta, finish *string, usage *llm.Usage) []*llm.ChatChunk {
	return []*llm.ChatChunk{{
		ID:      s.responseID,
		Object:  llm.ObjectChatChunk,
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []llm.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}}
}

// usage is the cumulative token count seen so far.
func (s *StreamState) usage() llm.Usage {
	return llm.Usage{
		PromptTokens:     s.inputTokens,
		CompletionTokens: s.outputTokens,
		TotalTokens:      s.inputTokens + s.outputTokens,
	}
}

func streamError(detail *StreamErrorDetail) error {
	eventType, message := "unknown", "unknown stream error"
	if detail != nil {
		if detail.Type != "" {
			eventType = detail.Type
		}
		if detail.Message != "" {
			message = detail.Message
		}
	}
	return &llm.StreamError{Message: fmt.Sprintf("%s: %s", eventType, message)}
}
