package openai

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// StreamState decodes OpenAI-format stream frames. The dialect is
// already the canonical one, so each frame maps to at most one chunk;
// the requested model fills in when a frame omits its own.
type StreamState struct {
	model   string
	lenient bool
	logger  *zap.Logger
}

var _ llm.StreamState = (*StreamState)(nil)

func (s *StreamState) ProcessPayload(data string) ([]*llm.ChatChunk, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}

	var chunk llm.ChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		if s.lenient {
			// LiteLLM fronts arbitrary upstreams; a frame it forwards
			// unparsed should not kill the rest of the stream.
			s.logger.Debug("skipping unparseable stream frame",
				zap.String("data", data), zap.Error(err))
			return nil, nil
		}
		return nil, &llm.ResponseParsingError{Message: "decoding stream frame", Err: err}
	}

	if chunk.Model == "" {
		chunk.Model = s.model
	} else {
		s.model = chunk.Model
	}
	if chunk.Object == "" {
		chunk.Object = llm.ObjectChatChunk
	}
	return []*llm.ChatChunk{&chunk}, nil
}
