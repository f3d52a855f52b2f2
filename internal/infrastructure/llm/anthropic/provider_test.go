package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

func newTestProvider(t *testing.T, baseURL, apiKey string) *Provider {
	t.Helper()
	return New(llm.ProviderConfig{
		Name:    llm.ProviderClaude,
		BaseURL: baseURL,
		APIKey:  apiKey,
	}, nil)
}

func userRequest(model, text string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:    model,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: llm.TextContent(text)}},
	}
}

func TestChatSendsMessagesRequest(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id":"msg_srv",
			"type":"message",
			"role":"assistant",
			"model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"Hi there!"}],
			"stop_reason":"end_turn",
			"usage":{"input_tokens":12,"output_tokens":4}
		}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk-ant-test")
	resp, err := p.Chat(context.Background(), userRequest("claude-sonnet-4-20250514", "Hello"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotPath != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", gotPath)
	}
	if gotKey != "sk-ant-test" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
	if gotBody["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("upstream model = %v", gotBody["model"])
	}
	if _, present := gotBody["stream"]; present {
		t.Error("non-streaming request must not carry a stream field")
	}

	if resp.ID != "msg_srv" {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Choices[0].Message.Content == nil || *resp.Choices[0].Message.Content != "Hi there!" {
		t.Errorf("content = %v", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != llm.FinishStop {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total tokens = %d, want 16", resp.Usage.TotalTokens)
	}
}

func TestChatContextWindowError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210042 tokens > 200000 maximum"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk")
	_, err := p.Chat(context.Background(), userRequest("claude-sonnet-4-20250514", "huge"))

	var ctxErr *llm.ContextWindowError
	if !errors.As(err, &ctxErr) {
		t.Fatalf("err = %v, want ContextWindowError", err)
	}
	if ctxErr.Provider != llm.ProviderClaude {
		t.Errorf("provider = %q, want %q", ctxErr.Provider, llm.ProviderClaude)
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		t.Error("context window overflow must not classify as a generic API error")
	}
}

func TestChatWithoutCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached upstream despite missing credential")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "")
	_, err := p.Chat(context.Background(), userRequest("claude-sonnet-4-20250514", "hi"))

	var noToken *llm.NoTokenError
	if !errors.As(err, &noToken) {
		t.Fatalf("err = %v, want NoTokenError", err)
	}
	if noToken.Provider != llm.ProviderClaude {
		t.Errorf("provider = %q", noToken.Provider)
	}
}

func TestChatUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk-bad")
	_, err := p.Chat(context.Background(), userRequest("claude-sonnet-4-20250514", "hi"))

	var noToken *llm.NoTokenError
	if !errors.As(err, &noToken) {
		t.Fatalf("err = %v, want NoTokenError", err)
	}
}

func TestChatRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk")
	_, err := p.Chat(context.Background(), userRequest("claude-sonnet-4-20250514", "hi"))

	var limited *llm.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if limited.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", limited.RetryAfter)
	}
}

func TestChatServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"internal"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk")
	_, err := p.Chat(context.Background(), userRequest("claude-sonnet-4-20250514", "hi"))

	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d", apiErr.Status)
	}
}

func TestStreamChat(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"id":"msg_s","model":"claude-sonnet-4-20250514","usage":{"input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	}

	var gotAccept, gotKey string
	var gotStream any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotKey = r.Header.Get("x-api-key")
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		gotStream = body["stream"]

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			io.WriteString(w, "event: stream\n")
			io.WriteString(w, "data: "+ev+"\n\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk-stream")
	req := userRequest("claude-sonnet-4-20250514", "Say hello")
	req.Stream = true

	ch, err := p.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var chunks []*llm.ChatChunk
	for res := range ch {
		if res.Err != nil {
			t.Fatalf("stream error: %v", res.Err)
		}
		chunks = append(chunks, res.Chunk)
	}

	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotKey != "sk-stream" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotStream != true {
		t.Errorf("upstream stream flag = %v, want true", gotStream)
	}

	// role, two text deltas, finish.
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != llm.RoleAssistant {
		t.Errorf("first chunk role = %q", chunks[0].Choices[0].Delta.Role)
	}
	if got := chunks[1].Choices[0].Delta.Content + chunks[2].Choices[0].Delta.Content; got != "Hello" {
		t.Errorf("streamed text = %q, want Hello", got)
	}
	last := chunks[3]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != llm.FinishStop {
		t.Errorf("finish_reason = %v", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 10 || last.Usage.CompletionTokens != 2 || last.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", last.Usage)
	}
	if chunks[0].ID != "msg_s" {
		t.Errorf("chunk id = %q", chunks[0].ID)
	}
}

func TestStreamChatInitiationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "sk")
	req := userRequest("claude-sonnet-4-20250514", "hi")
	req.Stream = true

	ch, err := p.StreamChat(context.Background(), req)
	if err == nil {
		t.Fatal("expected synchronous initiation error")
	}
	if ch != nil {
		t.Error("channel must be nil on initiation failure")
	}
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if !strings.Contains(apiErr.Body, "Overloaded") {
		t.Errorf("error body = %q", apiErr.Body)
	}
}

func TestStreamChatWithoutCredential(t *testing.T) {
	p := newTestProvider(t, "http://unused.invalid", "")
	_, err := p.StreamChat(context.Background(), userRequest("claude-sonnet-4-20250514", "hi"))

	var noToken *llm.NoTokenError
	if !errors.As(err, &noToken) {
		t.Fatalf("err = %v, want NoTokenError", err)
	}
}

func TestHealthCheck(t *testing.T) {
	with := newTestProvider(t, "http://unused.invalid", "sk")
	without := newTestProvider(t, "http://unused.invalid", "")

	if !with.HealthCheck(context.Background()) {
		t.Error("provider with credential should be healthy")
	}
	if without.HealthCheck(context.Background()) {
		t.Error("provider without credential should be unhealthy")
	}
}

func TestProviderModelSurface(t *testing.T) {
	p := newTestProvider(t, "http://unused.invalid", "sk")

	if p.ID() != llm.ProviderClaude {
		t.Errorf("id = %q", p.ID())
	}
	if !p.SupportsModel("claude-sonnet-4-20250514") {
		t.Error("stock model should be supported")
	}
	if p.SupportsModel("gpt-4o") {
		t.Error("foreign model should not be supported")
	}

	custom := New(llm.ProviderConfig{APIKey: "sk", Models: []string{"claude-custom"}}, nil)
	if !custom.SupportsModel("claude-custom") || custom.SupportsModel("claude-sonnet-4-20250514") {
		t.Error("configured model list should replace the stock list")
	}
}
