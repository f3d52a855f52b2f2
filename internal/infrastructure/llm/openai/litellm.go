package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

const (
	litellmDefaultBaseURL = "http://localhost:4000"
	litellmChatPath       = "/v1/chat/completions"
	litellmModelsPath     = "/v1/models"
	litellmHealthPath     = "/health/liveliness"

	// litellmHealthTimeout bounds the liveliness probe so a wedged proxy
	// cannot stall the health sweep.
	litellmHealthTimeout = 5 * time.Second
)

func init() {
	llm.RegisterFactory(llm.ProviderLiteLLM, func(cfg llm.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
		return NewLiteLLM(cfg, logger), nil
	})
}

// LiteLLMProvider proxies completions through a LiteLLM instance. The
// proxy routes to its own upstreams, so any model carrying the litellm:
// prefix is accepted and the concrete model list can be discovered from
// the proxy itself.
type LiteLLMProvider struct {
	id           string
	baseURL      string
	apiKey       string
	manual       []string
	transformer  *Transformer
	client       *http.Client
	streamClient *http.Client
	healthClient *http.Client
	logger       *zap.Logger

	mu     sync.RWMutex
	models []string
}

// NewLiteLLM creates a LiteLLM provider from configuration. When model
// discovery is enabled the proxy is queried once at construction; a
// failed probe falls back to the manual list and is retried only when
// DiscoverModels is called again.
func NewLiteLLM(cfg llm.ProviderConfig, logger *zap.Logger) *LiteLLMProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.Name
	if id == "" {
		id = llm.ProviderLiteLLM
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = litellmDefaultBaseURL
	}

	p := &LiteLLMProvider{
		id:      id,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		manual:  append([]string(nil), cfg.Models...),
		transformer: &Transformer{
			id:      id,
			name:    "LiteLLM Proxy",
			models:  cfg.Models,
			prefix:  ModelPrefix,
			lenient: true,
			logger:  logger,
		},
		client:       llm.NewHTTPClient(llm.RequestTimeout(cfg)),
		streamClient: llm.NewHTTPClient(0),
		healthClient: llm.NewHTTPClient(litellmHealthTimeout),
		logger:       logger.With(zap.String("provider", id), zap.String("type", "litellm")),
		models:       append([]string(nil), cfg.Models...),
	}

	if cfg.DiscoverModels {
		if err := p.DiscoverModels(context.Background()); err != nil {
			p.logger.Warn("litellm model discovery failed, using manual list", zap.Error(err))
		}
	}
	return p
}

var _ llm.Provider = (*LiteLLMProvider)(nil)

func (p *LiteLLMProvider) ID() string { return p.id }

func (p *LiteLLMProvider) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.models...)
}

// SupportsModel accepts any litellm:-prefixed name unconditionally; the
// proxy resolves those internally. Bare names must appear in the merged
// model list.
func (p *LiteLLMProvider) SupportsModel(model string) bool {
	if strings.HasPrefix(model, ModelPrefix) {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// DiscoverModels fetches the proxy's model list and merges it with the
// manual one. Each discovered id is exposed both prefixed and raw.
func (p *LiteLLMProvider) DiscoverModels(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+litellmModelsPath, nil)
	if err != nil {
		return fmt.Errorf("building discovery request: %w", err)
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("model discovery request: %w", err)
	}
	body, err := llm.ReadResponse(p.id, resp)
	if err != nil {
		return err
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return &llm.ResponseParsingError{Message: "decoding model list", Err: err}
	}

	merged := append([]string(nil), p.manual...)
	seen := make(map[string]bool, len(merged)+2*len(list.Data))
	for _, m := range merged {
		seen[m] = true
	}
	for _, entry := range list.Data {
		for _, name := range []string{ModelPrefix + entry.ID, entry.ID} {
			if !seen[name] {
				seen[name] = true
				merged = append(merged, name)
			}
		}
	}

	p.mu.Lock()
	p.models = merged
	p.mu.Unlock()
	p.logger.Debug("litellm models discovered", zap.Int("count", len(merged)))
	return nil
}

// Chat sends a non-streaming completion request.
func (p *LiteLLMProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
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
func (p *LiteLLMProvider) StreamChat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	streamReq := req.WithStream(true)
	if streamReq.StreamOptions == nil {
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

// HealthCheck probes the proxy's liveliness endpoint.
func (p *LiteLLMProvider) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+litellmHealthPath, nil)
	if err != nil {
		return false
	}
	p.authorize(httpReq)

	resp, err := p.healthClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *LiteLLMProvider) send(ctx context.Context, client *http.Client, req *llm.ChatRequest) (*http.Response, error) {
	payload, err := p.transformer.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+litellmChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// authorize adds the bearer header only when a key is configured; open
// proxies run without one.
func (p *LiteLLMProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
