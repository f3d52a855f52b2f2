package kiro

import (
	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
	"github.com/gaud/gateway/internal/infrastructure/llm/anthropic"
)

// StreamState decodes the Anthropic SSE dialect Kiro speaks, with one
// difference from Claude proper: chunks echo the model the client
// asked for (prefix included) instead of the name message_start
// reports.
type StreamState struct {
	model string
	inner *anthropic.StreamState
}

// NewStreamState builds stream state for one response.
func NewStreamState(model string, logger *zap.Logger) *StreamState {
	return &StreamState{
		model: model,
		inner: anthropic.NewStreamState(model, logger),
	}
}

var _ llm.StreamState = (*StreamState)(nil)

// ProcessPayload consumes one SSE data payload and returns the chunks
// it produced, if any.
func (s *StreamState) ProcessPayload(data string) ([]*llm.ChatChunk, error) {
	chunks, err := s.inner.ProcessPayload(data)
	for _, chunk := range chunks {
		chunk.Model = s.model
	}
	return chunks, err
}
