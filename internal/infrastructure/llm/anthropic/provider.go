package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	anthropicVersion = "2023-06-01"
)

func init() {
	llm.RegisterFactory(llm.ProviderClaude, func(cfg llm.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
		return New(cfg, logger), nil
	})
}

// Provider speaks the Anthropic Messages API directly.
type Provider struct {
	id           string
	baseURL      string
	apiKey       string
	models       []string
	transformer  *Transformer
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// New creates a Claude provider from configuration. Missing fields fall
// back to the public API endpoint and the stock model list.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	id := cfg.Name
	if id == "" {
		id = llm.ProviderClaude
	}
	models := cfg.Models
	if len(models) == 0 {
		models = append([]string(nil), defaultModels...)
	}

	return &Provider{
		id:           id,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		models:       models,
		transformer:  NewTransformer(logger),
		client:       llm.NewHTTPClient(llm.RequestTimeout(cfg)),
		streamClient: llm.NewHTTPClient(0),
		logger:       logger.With(zap.String("provider", id), zap.String("type", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) ID() string       { return p.id }
func (p *Provider) Models() []string { return append([]string(nil), p.models...) }

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// Chat sends a non-streaming completion request.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
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
func (p *Provider) StreamChat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	if p.apiKey == "" {
		return nil, &llm.NoTokenError{Provider: p.id}
	}

	resp, err := p.send(ctx, p.streamClient, req.WithStream(true))
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

// HealthCheck reports whether the provider is usable. The Messages API
// has no dedicated liveness endpoint, so a configured credential counts
// as healthy and the circuit breaker tracks live failures.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *Provider) send(ctx context.Context, client *http.Client, req *llm.ChatRequest) (*http.Response, error) {
	payload, err := p.transformer.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}
