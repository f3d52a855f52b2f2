package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

const (
	copilotEndpoint = "https://api.githubcopilot.com/chat/completions"

	// Editor identity headers Copilot requires on every call.
	editorVersion = "gaud/0.1.0"
	integrationID = "gaud"
)

func init() {
	llm.RegisterFactory(llm.ProviderCopilot, func(cfg llm.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
		return NewCopilot(cfg, logger), nil
	})
}

// CopilotProvider fronts the GitHub Copilot chat completions API, which
// accepts OpenAI-format payloads as-is.
type CopilotProvider struct {
	id           string
	endpoint     string
	apiKey       string
	models       []string
	transformer  *Transformer
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewCopilot creates a Copilot provider from configuration. A BaseURL
// override points at a different host; models default to the stock list.
func NewCopilot(cfg llm.ProviderConfig, logger *zap.Logger) *CopilotProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.Name
	if id == "" {
		id = llm.ProviderCopilot
	}
	models := cfg.Models
	if len(models) == 0 {
		models = append([]string(nil), defaultModels...)
	}
	endpoint := copilotEndpoint
	if cfg.BaseURL != "" {
		endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	}

	return &CopilotProvider{
		id:       id,
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		models:   models,
		transformer: &Transformer{
			id:     id,
			name:   "GitHub Copilot",
			models: models,
			logger: logger,
		},
		client:       llm.NewHTTPClient(llm.RequestTimeout(cfg)),
		streamClient: llm.NewHTTPClient(0),
		logger:       logger.With(zap.String("provider", id), zap.String("type", "copilot")),
	}
}

var _ llm.Provider = (*CopilotProvider)(nil)

func (p *CopilotProvider) ID() string       { return p.id }
func (p *CopilotProvider) Models() []string { return append([]string(nil), p.models...) }

func (p *CopilotProvider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// Chat sends a non-streaming completion request.
func (p *CopilotProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, &llm.NoTokenError{Provider: p.id}
	}

	resp, err := p.send(ctx, p.client, req.WithStream(false))
	if err != nil {
		return nil, err
	}

	body, err := llm.ReadResponse(p.id, resp)
	if err != nil {
		return nil, err
	}

	meta := llm.NewResponseMeta(p.id, req.Model, resp)
	return p.transformer.TransformResponse(body, meta)
}

// StreamChat opens a streaming completion. Initiation failures return a
// synchronous error so the router can fall back; failures after the
// first byte surface in-band on the result channel.
func (p *CopilotProvider) StreamChat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	if p.apiKey == "" {
		return nil, &llm.NoTokenError{Provider: p.id}
	}

	streamReq := req.WithStream(true)
	if streamReq.StreamOptions == nil {
		// Ask for the terminal usage frame unless the client already
		// chose its own stream options.
		streamReq.StreamOptions = &llm.StreamOptions{IncludeUsage: true}
	}

	resp, err := p.send(ctx, p.streamClient, streamReq)
	if err != nil {
		return nil, err
	}
	if err := llm.CheckStreamResponse(p.id, resp); err != nil {
		return nil, err
	}

	out := make(chan llm.StreamResult)
	go llm.PumpSSE(ctx, resp.Body, p.transformer.NewStreamState(req.Model), out)
	return out, nil
}

// HealthCheck reports whether the provider is usable. Copilot has no
// liveness endpoint, so a configured credential counts as healthy.
func (p *CopilotProvider) HealthCheck(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *CopilotProvider) send(ctx context.Context, client *http.Client, req *llm.ChatRequest) (*http.Response, error) {
	payload, err := p.transformer.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("editor-version", editorVersion)
	httpReq.Header.Set("copilot-integration-id", integrationID)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}
