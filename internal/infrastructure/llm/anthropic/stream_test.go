package anthropic

import (
	"errors"
	"testing"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

func feed(t *testing.T, state *StreamState, payload string) []*llm.ChatChunk {
	t.Helper()
	chunks, err := state.ProcessPayload(payload)
	if err != nil {
		t.Fatalf("ProcessPayload(%s): %v", payload, err)
	}
	return chunks
}

func single(t *testing.T, chunks []*llm.ChatChunk) *llm.ChatChunk {
	t.Helper()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	return chunks[0]
}

func TestStreamToolCallSequence(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)

	// message_start seeds the response id and prompt tokens and emits
	// the role chunk.
	chunk := single(t, feed(t, state, `{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-20250514","usage":{"input_tokens":10}}}`))
	if chunk.ID != "msg_1" {
		t.Errorf("chunk id = %q, want msg_1", chunk.ID)
	}
	if chunk.Choices[0].Delta.Role != "assistant" {
		t.Errorf("role = %q, want assistant", chunk.Choices[0].Delta.Role)
	}

	// The upstream block index is 1, but emitted tool indices are
	// allocated sequentially from zero.
	chunk = single(t, feed(t, state, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_abc","name":"get_weather"}}`))
	calls := chunk.Choices[0].Delta.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].Index == nil || *calls[0].Index != 0 {
		t.Errorf("tool index = %v, want 0", calls[0].Index)
	}
	if calls[0].ID != "toolu_abc" || calls[0].Function.Name != "get_weather" || calls[0].Function.Arguments != "" {
		t.Errorf("tool call = %+v", calls[0])
	}

	chunk = single(t, feed(t, state, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"SF\"}"}}`))
	calls = chunk.Choices[0].Delta.ToolCalls
	if calls[0].Index == nil || *calls[0].Index != 0 {
		t.Errorf("delta tool index = %v, want 0", calls[0].Index)
	}
	if calls[0].Function.Arguments != `{"city":"SF"}` {
		t.Errorf("arguments = %q", calls[0].Function.Arguments)
	}
	if calls[0].ID != "" || calls[0].Function.Name != "" {
		t.Errorf("argument delta should not repeat id/name: %+v", calls[0])
	}

	if chunks := feed(t, state, `{"type":"content_block_stop","index":1}`); len(chunks) != 0 {
		t.Fatalf("content_block_stop emitted %d chunks", len(chunks))
	}

	chunk = single(t, feed(t, state, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`))
	if chunk.Choices[0].FinishReason == nil || *chunk.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %v, want tool_calls", chunk.Choices[0].FinishReason)
	}
	if chunk.Usage == nil || chunk.Usage.PromptTokens != 10 || chunk.Usage.CompletionTokens != 15 || chunk.Usage.TotalTokens != 25 {
		t.Errorf("usage = %+v", chunk.Usage)
	}

	if chunks := feed(t, state, `{"type":"message_stop"}`); len(chunks) != 0 {
		t.Fatalf("message_stop emitted %d chunks", len(chunks))
	}
}

func TestStreamTextDeltas(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)

	feed(t, state, `{"type":"message_start","message":{"id":"msg_t","usage":{"input_tokens":3}}}`)
	if chunks := feed(t, state, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`); len(chunks) != 0 {
		t.Fatalf("text block start emitted %d chunks", len(chunks))
	}

	chunk := single(t, feed(t, state, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`))
	if chunk.Choices[0].Delta.Content != "Hel" {
		t.Errorf("content = %q", chunk.Choices[0].Delta.Content)
	}
	chunk = single(t, feed(t, state, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`))
	if chunk.Choices[0].Delta.Content != "lo" {
		t.Errorf("content = %q", chunk.Choices[0].Delta.Content)
	}
}

func TestStreamThinkingDelta(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)
	feed(t, state, `{"type":"message_start","message":{"id":"msg_r","usage":{"input_tokens":1}}}`)

	chunk := single(t, feed(t, state, `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`))
	if chunk.Choices[0].Delta.ReasoningContent != "hmm" {
		t.Errorf("reasoning_content = %q", chunk.Choices[0].Delta.ReasoningContent)
	}
	if chunk.Choices[0].Delta.Content != "" {
		t.Errorf("content should stay empty, got %q", chunk.Choices[0].Delta.Content)
	}
}

func TestStreamSanitizesToolID(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)
	chunk := single(t, feed(t, state, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool|call:9","name":"f"}}`))
	if got := chunk.Choices[0].Delta.ToolCalls[0].ID; got != "tool_call_9" {
		t.Errorf("sanitized id = %q, want tool_call_9", got)
	}
}

func TestStreamSecondToolGetsNextIndex(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)

	first := single(t, feed(t, state, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"a"}}`))
	feed(t, state, `{"type":"content_block_stop","index":1}`)
	second := single(t, feed(t, state, `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t2","name":"b"}}`))

	if *first.Choices[0].Delta.ToolCalls[0].Index != 0 {
		t.Errorf("first index = %d, want 0", *first.Choices[0].Delta.ToolCalls[0].Index)
	}
	if *second.Choices[0].Delta.ToolCalls[0].Index != 1 {
		t.Errorf("second index = %d, want 1", *second.Choices[0].Delta.ToolCalls[0].Index)
	}
}

func TestStreamModelOverrideFromMessageStart(t *testing.T) {
	state := NewStreamState("requested-model", nil)
	chunk := single(t, feed(t, state, `{"type":"message_start","message":{"id":"msg_m","model":"served-model","usage":{"input_tokens":1}}}`))
	if chunk.Model != "served-model" {
		t.Errorf("model = %q, want served-model", chunk.Model)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)
	_, err := state.ProcessPayload(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	var streamErr *llm.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	if streamErr.Message != "overloaded_error: Overloaded" {
		t.Errorf("message = %q", streamErr.Message)
	}
}

func TestStreamUnknownEventIgnored(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)
	chunks, err := state.ProcessPayload(`{"type":"content_block_heartbeat"}`)
	if err != nil {
		t.Fatalf("unknown event errored: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("unknown event emitted %d chunks", len(chunks))
	}
}

func TestStreamMalformedPayload(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)
	_, err := state.ProcessPayload(`{"type":`)
	var parseErr *llm.ResponseParsingError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ResponseParsingError", err)
	}
}

func TestStreamPingIgnored(t *testing.T) {
	state := NewStreamState("claude-sonnet-4-20250514", nil)
	if chunks := feed(t, state, `{"type":"ping"}`); len(chunks) != 0 {
		t.Fatalf("ping emitted %d chunks", len(chunks))
	}
}
