package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

func TestLiteLLMChatStripsPrefix(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		io.WriteString(w, `{
			"id": "chatcmpl-l1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hey"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
		}`)
	}))
	defer server.Close()

	p := NewLiteLLM(llm.ProviderConfig{BaseURL: server.URL}, nil)
	resp, err := p.Chat(context.Background(), copilotRequest("litellm:gpt-4o", "hey"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("upstream model = %v, want prefix stripped", gotBody["model"])
	}
	if gotAuth != "" {
		t.Errorf("authorization = %q, want none without a key", gotAuth)
	}
	if resp.ID != "chatcmpl-l1" || resp.Usage.TotalTokens != 6 {
		t.Errorf("response = %+v", resp)
	}
}

func TestLiteLLMAuthorizesWhenKeySet(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"gpt-4o","choices":[]}`)
	}))
	defer server.Close()

	p := NewLiteLLM(llm.ProviderConfig{BaseURL: server.URL, APIKey: "sk-proxy"}, nil)
	if _, err := p.Chat(context.Background(), copilotRequest("gpt-4o", "hey")); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotAuth != "Bearer sk-proxy" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestLiteLLMModelDiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("discovery path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"claude-sonnet-4"}]}`)
	}))
	defer server.Close()

	p := NewLiteLLM(llm.ProviderConfig{
		BaseURL:        server.URL,
		Models:         []string{"litellm:manual", "gpt-4o"},
		DiscoverModels: true,
	}, nil)

	want := []string{"litellm:manual", "gpt-4o", "litellm:gpt-4o", "litellm:claude-sonnet-4", "claude-sonnet-4"}
	if got := p.Models(); !reflect.DeepEqual(got, want) {
		t.Errorf("models = %v, want %v", got, want)
	}

	if !p.SupportsModel("claude-sonnet-4") {
		t.Error("discovered model should be supported")
	}
	if !p.SupportsModel("litellm:anything-at-all") {
		t.Error("prefixed models are always supported")
	}
	if p.SupportsModel("mistral-7b") {
		t.Error("unknown bare model should not be supported")
	}
}

func TestLiteLLMDiscoveryFailureKeepsManual(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	manual := []string{"litellm:manual"}
	p := NewLiteLLM(llm.ProviderConfig{BaseURL: server.URL, Models: manual, DiscoverModels: true}, nil)

	if got := p.Models(); !reflect.DeepEqual(got, manual) {
		t.Errorf("models = %v, want manual list", got)
	}
}

func TestLiteLLMStreamSkipsGarbage(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []string{
			`not json at all`,
			`{"id":"chatcmpl-l2","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":null}]}`,
			`[DONE]`,
		} {
			io.WriteString(w, "data: "+ev+"\n\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	p := NewLiteLLM(llm.ProviderConfig{BaseURL: server.URL}, nil)
	ch, err := p.StreamChat(context.Background(), copilotRequest("litellm:gpt-4o", "hey"))
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

	if gotBody["stream"] != true {
		t.Errorf("stream flag = %v", gotBody["stream"])
	}
	opts, _ := gotBody["stream_options"].(map[string]any)
	if opts == nil || opts["include_usage"] != true {
		t.Errorf("stream_options = %v, want include_usage", gotBody["stream_options"])
	}

	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want garbage frame skipped", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Content != "ok" {
		t.Errorf("content = %q", chunks[0].Choices[0].Delta.Content)
	}
}

func TestLiteLLMHealthCheck(t *testing.T) {
	status := http.StatusOK
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(status)
	}))

	p := NewLiteLLM(llm.ProviderConfig{BaseURL: server.URL}, nil)

	if !p.HealthCheck(context.Background()) {
		t.Error("200 should be healthy")
	}
	if gotPath != "/health/liveliness" {
		t.Errorf("probe path = %q", gotPath)
	}

	status = http.StatusServiceUnavailable
	if p.HealthCheck(context.Background()) {
		t.Error("503 should be unhealthy")
	}

	server.Close()
	if p.HealthCheck(context.Background()) {
		t.Error("unreachable proxy should be unhealthy")
	}
}

func TestNewLiteLLMDefaults(t *testing.T) {
	p := NewLiteLLM(llm.ProviderConfig{}, nil)

	if p.ID() != llm.ProviderLiteLLM {
		t.Errorf("id = %q", p.ID())
	}
	if p.baseURL != litellmDefaultBaseURL {
		t.Errorf("base url = %q", p.baseURL)
	}
	if p.healthClient.Timeout != litellmHealthTimeout {
		t.Errorf("health timeout = %v", p.healthClient.Timeout)
	}
	if p.streamClient.Timeout != 0 {
		t.Errorf("stream timeout = %v, want unbounded", p.streamClient.Timeout)
	}
	if len(p.Models()) != 0 {
		t.Errorf("models = %v, want none until discovery", p.Models())
	}
}
