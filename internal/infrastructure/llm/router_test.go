package llm

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type mockProvider struct {
	id          string
	models      []string
	chatErr     error
	streamErr   error
	healthy     bool
	chatCalls   int
	streamCalls int
}

func (m *mockProvider) ID() string       { return m.id }
func (m *mockProvider) Models() []string { return m.models }

func (m *mockProvider) SupportsModel(model string) bool {
	for _, known := range m.models {
		if known == model {
			return true
		}
	}
	return false
}

func (m *mockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.chatCalls++
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	content := "ok from " + m.id
	return &ChatResponse{
		ID:     "resp-" + m.id,
		Object: ObjectChatCompletion,
		Model:  req.Model,
		Choices: []Choice{{
			Message:      ResponseMessage{Role: RoleAssistant, Content: &content},
			FinishReason: FinishStop,
		}},
	}, nil
}

func (m *mockProvider) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	m.streamCalls++
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	ch := make(chan StreamResult, 1)
	ch <- StreamResult{Chunk: &ChatChunk{ID: "chunk-" + m.id, Object: ObjectChatChunk, Model: req.Model}}
	close(ch)
	return ch, nil
}

func (m *mockProvider) HealthCheck(ctx context.Context) bool { return m.healthy }

func newTestRouter(t *testing.T, strategy RoutingStrategy) *Router {
	t.Helper()
	return NewRouterWithStrategy(strategy, zap.NewNop())
}

func TestResolveProviderID(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"litellm:any/model", ProviderLiteLLM},
		{"kiro:claude-sonnet-4", ProviderKiro},
		{"claude-sonnet-4-20250514", ProviderClaude},
		{"claude_opus", ProviderClaude},
		{"gemini-2.5-pro", ProviderGemini},
		{"gemini_flash", ProviderGemini},
		{"gpt-4o", ProviderCopilot},
		{"o1-preview", ProviderCopilot},
		{"o3-mini", ProviderCopilot},
		{"llama-70b", ""},
	}
	for _, tc := range cases {
		if got := resolveProviderID(tc.model); got != tc.want {
			t.Errorf("resolveProviderID(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		name string
		want RoutingStrategy
	}{
		{"priority", StrategyPriority},
		{"round_robin", StrategyRoundRobin},
		{"round-robin", StrategyRoundRobin},
		{"RoundRobin", StrategyRoundRobin},
		{"least_used", StrategyLeastUsed},
		{"least-used", StrategyLeastUsed},
		{"random", StrategyRandom},
		{"", StrategyPriority},
		{"garbage", StrategyPriority},
	}
	for _, tc := range cases {
		if got := ParseStrategy(tc.name); got != tc.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRouterPrefixDispatch(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	claude := &mockProvider{id: ProviderClaude, models: []string{"claude-x"}, healthy: true}
	gemini := &mockProvider{id: ProviderGemini, models: []string{"gemini-pro"}, healthy: true}
	r.Register(claude)
	r.Register(gemini)

	resp, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.ID != "resp-claude" {
		t.Fatalf("expected claude to answer, got %s", resp.ID)
	}
	if claude.chatCalls != 1 || gemini.chatCalls != 0 {
		t.Fatalf("unexpected call counts: claude=%d gemini=%d", claude.chatCalls, gemini.chatCalls)
	}
}

func TestRouterNoProviderForUnknownModel(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	r.Register(&mockProvider{id: ProviderClaude, models: []string{"claude-x"}, healthy: true})

	_, err := r.Chat(context.Background(), &ChatRequest{Model: "llama-70b"})
	var noProv *NoProviderError
	if !errors.As(err, &noProv) {
		t.Fatalf("expected NoProviderError, got %v", err)
	}
	if noProv.Model != "llama-70b" {
		t.Fatalf("error should carry the model, got %q", noProv.Model)
	}
}

func TestRouterFallbackOnFailure(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	claude := &mockProvider{
		id:      ProviderClaude,
		models:  []string{"claude-x"},
		chatErr: &APIError{Status: 500, Body: "upstream exploded"},
	}
	backup := &mockProvider{id: "backup", models: []string{"claude-x"}, healthy: true}
	r.Register(claude)
	r.Register(backup)

	resp, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}
	if resp.ID != "resp-backup" {
		t.Fatalf("expected backup to answer, got %s", resp.ID)
	}
	if claude.chatCalls != 1 || backup.chatCalls != 1 {
		t.Fatalf("unexpected call counts: claude=%d backup=%d", claude.chatCalls, backup.chatCalls)
	}

	stats, _ := r.Stats(ProviderClaude)
	if stats.FailedRequests != 1 {
		t.Fatalf("claude should have 1 failed request, got %d", stats.FailedRequests)
	}
	if stats.LastError == "" || stats.LastUsed == nil {
		t.Fatalf("failure should record last error and last used: %+v", stats)
	}

	all := r.AllStats()
	if all[ProviderClaude].FailedRequests != 1 || all["backup"].SuccessfulRequests != 1 {
		t.Fatalf("unexpected aggregate stats: %+v", all)
	}
	// LastError is sticky across later successes.
	if _, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"}); err != nil {
		t.Fatalf("second call should still succeed via backup: %v", err)
	}
	stats, _ = r.Stats(ProviderClaude)
	if stats.LastError == "" {
		t.Fatal("last error should survive subsequent calls")
	}
}

func TestRouterLastErrorSurfaced(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	r.Register(&mockProvider{
		id:      ProviderClaude,
		models:  []string{"claude-x"},
		chatErr: &APIError{Status: 500, Body: "first"},
	})
	r.Register(&mockProvider{
		id:      "backup",
		models:  []string{"claude-x"},
		chatErr: &APIError{Status: 503, Body: "second"},
	})

	_, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if api.Status != 503 {
		t.Fatalf("expected the last error (503), got %d", api.Status)
	}
}

func TestRouterCircuitTripsThenReset(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	claude := &mockProvider{
		id:      ProviderClaude,
		models:  []string{"claude-x"},
		chatErr: &APIError{Status: 500, Body: "boom"},
	}
	r.Register(claude)
	r.Register(&mockProvider{id: ProviderGemini, models: []string{"gemini-pro"}, healthy: true})
	r.Register(&mockProvider{id: ProviderCopilot, models: []string{"gpt-4"}, healthy: true})

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		_, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
		var api *APIError
		if !errors.As(err, &api) {
			t.Fatalf("call %d: expected APIError, got %v", i, err)
		}
	}
	if state, _ := r.CircuitState(ProviderClaude); state != CircuitOpen {
		t.Fatalf("circuit should be open after 3 failures, got %s", state)
	}

	// With the only supporting provider tripped there are no candidates.
	_, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
	var noProv *NoProviderError
	if !errors.As(err, &noProv) {
		t.Fatalf("expected NoProviderError while circuit open, got %v", err)
	}
	if claude.chatCalls != 3 {
		t.Fatalf("open circuit should not reach the provider, calls=%d", claude.chatCalls)
	}

	// Resetting the circuit re-enables dispatch.
	r.ResetCircuit(ProviderClaude)
	claude.chatErr = nil
	resp, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
	if err != nil {
		t.Fatalf("chat after reset failed: %v", err)
	}
	if resp.ID != "resp-claude" {
		t.Fatalf("expected claude after reset, got %s", resp.ID)
	}
}

func TestRouterRoundRobin(t *testing.T) {
	r := newTestRouter(t, StrategyRoundRobin)
	a := &mockProvider{id: "a", models: []string{"shared-model"}, healthy: true}
	b := &mockProvider{id: "b", models: []string{"shared-model"}, healthy: true}
	r.Register(a)
	r.Register(b)

	for i := 0; i < 4; i++ {
		if _, err := r.Chat(context.Background(), &ChatRequest{Model: "shared-model"}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if a.chatCalls != 2 || b.chatCalls != 2 {
		t.Fatalf("round robin should alternate, got a=%d b=%d", a.chatCalls, b.chatCalls)
	}
}

func TestRouterLeastUsed(t *testing.T) {
	r := newTestRouter(t, StrategyLeastUsed)
	a := &mockProvider{id: "a", models: []string{"shared-model"}, healthy: true}
	b := &mockProvider{id: "b", models: []string{"shared-model"}, healthy: true}
	r.Register(a)
	r.Register(b)

	// First call ties at zero, stable sort keeps registration order.
	for i := 0; i < 3; i++ {
		if _, err := r.Chat(context.Background(), &ChatRequest{Model: "shared-model"}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if a.chatCalls != 2 || b.chatCalls != 1 {
		t.Fatalf("least used should balance, got a=%d b=%d", a.chatCalls, b.chatCalls)
	}
}

func TestRouterRandomStillDispatches(t *testing.T) {
	r := newTestRouter(t, StrategyRandom)
	a := &mockProvider{id: "a", models: []string{"shared-model"}, healthy: true}
	b := &mockProvider{id: "b", models: []string{"shared-model"}, healthy: true}
	r.Register(a)
	r.Register(b)

	for i := 0; i < 10; i++ {
		if _, err := r.Chat(context.Background(), &ChatRequest{Model: "shared-model"}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if a.chatCalls+b.chatCalls != 10 {
		t.Fatalf("every call should land somewhere, got a=%d b=%d", a.chatCalls, b.chatCalls)
	}
}

func TestRouterReRegisterKeepsOrderAndResetsEntry(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	r.Register(&mockProvider{id: "a", models: []string{"m"}, healthy: true})
	r.Register(&mockProvider{id: "b", models: []string{"m"}, healthy: true})

	if _, err := r.Chat(context.Background(), &ChatRequest{Model: "m"}); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if stats, _ := r.Stats("a"); stats.TotalRequests != 1 {
		t.Fatalf("expected 1 request on a, got %d", stats.TotalRequests)
	}

	r.Register(&mockProvider{id: "a", models: []string{"m"}, healthy: true})

	ids := r.ProviderIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("re-register should keep order, got %v", ids)
	}
	if stats, _ := r.Stats("a"); stats.TotalRequests != 0 {
		t.Fatalf("re-register should reset stats, got %d", stats.TotalRequests)
	}
}

func TestRouterStreamInitFallback(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	broken := &mockProvider{
		id:        ProviderClaude,
		models:    []string{"claude-x"},
		streamErr: &APIError{Status: 500, Body: "no stream"},
	}
	backup := &mockProvider{id: "backup", models: []string{"claude-x"}, healthy: true}
	r.Register(broken)
	r.Register(backup)

	stream, err := r.StreamChat(context.Background(), &ChatRequest{Model: "claude-x", Stream: true})
	if err != nil {
		t.Fatalf("stream init fallback failed: %v", err)
	}
	first, ok := <-stream
	if !ok || first.Chunk == nil {
		t.Fatalf("expected a chunk from backup, got %+v", first)
	}
	if first.Chunk.ID != "chunk-backup" {
		t.Fatalf("expected backup stream, got %s", first.Chunk.ID)
	}
	if broken.streamCalls != 1 || backup.streamCalls != 1 {
		t.Fatalf("unexpected stream calls: broken=%d backup=%d", broken.streamCalls, backup.streamCalls)
	}

	stats, _ := r.Stats(ProviderClaude)
	if stats.FailedRequests != 1 {
		t.Fatalf("init failure should count against the provider, got %d", stats.FailedRequests)
	}
}

func TestRouterHealthCheckAllFeedsBreakers(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	sick := &mockProvider{id: "sick", models: []string{"m1"}, healthy: false}
	well := &mockProvider{id: "well", models: []string{"m2"}, healthy: true}
	r.Register(sick)
	r.Register(well)

	var results map[string]bool
	for i := 0; i < 3; i++ {
		results = r.HealthCheckAll(context.Background())
	}
	if results["sick"] || !results["well"] {
		t.Fatalf("unexpected results: %v", results)
	}
	if state, _ := r.CircuitState("sick"); state != CircuitOpen {
		t.Fatalf("three failed probes should open the circuit, got %s", state)
	}

	// A later passing probe revives the provider.
	sick.healthy = true
	r.HealthCheckAll(context.Background())
	if state, _ := r.CircuitState("sick"); state != CircuitClosed {
		t.Fatalf("passing probe should close the circuit, got %s", state)
	}
}

func TestRouterHealthReport(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	r.Register(&mockProvider{id: ProviderClaude, models: []string{"claude-x", "claude-y"}, healthy: true})

	report := r.Health()
	if len(report) != 1 {
		t.Fatalf("expected 1 row, got %d", len(report))
	}
	row := report[0]
	if row.Provider != ProviderClaude || !row.Healthy {
		t.Fatalf("unexpected row: %+v", row)
	}
	if len(row.Models) != 2 {
		t.Fatalf("expected both models listed, got %v", row.Models)
	}
	if row.LatencyMS == nil {
		t.Fatal("latency should be reported")
	}
}

func TestRouterAvailableModels(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	r.Register(&mockProvider{id: ProviderClaude, models: []string{"claude-x"}, healthy: true})
	r.Register(&mockProvider{id: ProviderGemini, models: []string{"gemini-pro", "gemini-flash"}, healthy: true})

	models := r.AvailableModels()
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(models))
	}
	if models[0].Provider != ProviderClaude || models[1].Provider != ProviderGemini {
		t.Fatalf("models should follow registration order, got %+v", models)
	}
}

func TestRouterSetEnabled(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	claude := &mockProvider{id: ProviderClaude, models: []string{"claude-x"}, healthy: true}
	r.Register(claude)

	if !r.SetEnabled(ProviderClaude, false) {
		t.Fatal("SetEnabled should find the registered provider")
	}
	if r.Enabled(ProviderClaude) {
		t.Fatal("provider should report disabled")
	}

	_, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"})
	var noProv *NoProviderError
	if !errors.As(err, &noProv) {
		t.Fatalf("disabled provider must not receive traffic, got %v", err)
	}
	if claude.chatCalls != 0 {
		t.Fatalf("disabled provider was called %d times", claude.chatCalls)
	}
	if models := r.AvailableModels(); len(models) != 0 {
		t.Fatalf("disabled provider's models should be hidden, got %+v", models)
	}
	if report := r.Health(); report[0].Healthy {
		t.Fatal("disabled provider should report unhealthy")
	}
	if results := r.HealthCheckAll(context.Background()); len(results) != 0 {
		t.Fatalf("disabled provider should not be probed, got %v", results)
	}

	r.SetEnabled(ProviderClaude, true)
	if _, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"}); err != nil {
		t.Fatalf("re-enabled provider should serve again: %v", err)
	}
	if r.SetEnabled("nope", false) {
		t.Fatal("unknown provider id should report false")
	}
}

func TestRouterSetBreakerConfig(t *testing.T) {
	r := newTestRouter(t, StrategyPriority)
	r.SetBreakerConfig(CircuitBreakerConfig{FailureThreshold: 1})
	failing := &mockProvider{id: ProviderClaude, models: []string{"claude-x"}, chatErr: errors.New("boom")}
	r.Register(failing)

	if _, err := r.Chat(context.Background(), &ChatRequest{Model: "claude-x"}); err == nil {
		t.Fatal("expected failure")
	}
	if state, _ := r.CircuitState(ProviderClaude); state != CircuitOpen {
		t.Fatalf("single failure should trip the configured breaker, got %v", state)
	}
}
