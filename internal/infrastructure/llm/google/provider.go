package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"

	googAPIClient  = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	clientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

	betaInterleavedThinking = "interleaved-thinking-2025-05-14"
)

// CloudCodeEndpoints are the base URLs tried in order by cloud-code
// deployments. 403/404 and connect-class failures advance to the next.
var CloudCodeEndpoints = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

func init() {
	llm.RegisterFactory(llm.ProviderGemini, func(cfg llm.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
		return New(cfg, logger), nil
	})
	llm.RegisterFactory("cloud-code", func(cfg llm.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
		if len(cfg.BaseURLs) == 0 && cfg.BaseURL == "" {
			cfg.BaseURLs = append([]string(nil), CloudCodeEndpoints...)
		}
		return New(cfg, logger), nil
	})
}

// Provider speaks the Google generateContent API, covering both the
// public Generative Language endpoint and Cloud Code deployments that
// serve Gemini and Claude models behind the same dialect.
type Provider struct {
	id           string
	endpoints    []string
	apiKey       string
	models       []string
	transformer  *Transformer
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// New creates a Gemini provider from configuration. Missing fields fall
// back to the public endpoint and the stock model list.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.Name
	if id == "" {
		id = llm.ProviderGemini
	}
	models := cfg.Models
	if len(models) == 0 {
		models = append([]string(nil), defaultModels...)
	}

	p := &Provider{
		id:           id,
		endpoints:    resolveEndpoints(cfg),
		apiKey:       cfg.APIKey,
		models:       models,
		transformer:  NewTransformer(logger),
		client:       llm.NewHTTPClient(llm.RequestTimeout(cfg)),
		streamClient: llm.NewHTTPClient(0),
		logger:       logger.With(zap.String("provider", id), zap.String("type", "gemini")),
	}
	p.logger.Debug("provider configured",
		zap.Strings("endpoints", p.endpoints),
		zap.String("api_key", llm.MaskToken(p.apiKey)),
	)
	return p
}

func resolveEndpoints(cfg llm.ProviderConfig) []string {
	if len(cfg.BaseURLs) > 0 {
		endpoints := make([]string, 0, len(cfg.BaseURLs))
		for _, base := range cfg.BaseURLs {
			if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
				endpoints = append(endpoints, base)
			}
		}
		if len(endpoints) > 0 {
			return endpoints
		}
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		return []string{base}
	}
	return []string{defaultBaseURL}
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

// HealthCheck reports whether the provider is usable. A configured
// credential counts as healthy; the circuit breaker tracks live
// failures.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	return p.apiKey != ""
}

// send posts the transformed request, walking the endpoint list. 403
// and 404 responses and connect-class network errors fall through to
// the next base URL; everything else is handled where it lands.
func (p *Provider) send(ctx context.Context, client *http.Client, req *llm.ChatRequest) (*http.Response, error) {
	payload, err := p.transformer.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	path := "/v1beta/models/" + req.Model + ":generateContent"
	if req.Stream {
		path = "/v1beta/models/" + req.Model + ":streamGenerateContent?alt=sse"
	}

	for i, base := range p.endpoints {
		last := i == len(p.endpoints)-1

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		p.setHeaders(httpReq, req)

		resp, err := client.Do(httpReq)
		if err != nil {
			if !last && retryableNetworkError(err) {
				p.logger.Warn("endpoint unreachable, trying next",
					zap.String("endpoint", base), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("sending request: %w", err)
		}

		if !last && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) {
			drainBody(resp)
			p.logger.Warn("endpoint rejected request, trying next",
				zap.String("endpoint", base), zap.Int("status", resp.StatusCode))
			continue
		}
		return resp, nil
	}

	return nil, &llm.APIError{Status: http.StatusBadGateway, Body: "no endpoints configured"}
}

func (p *Provider) setHeaders(httpReq *http.Request, req *llm.ChatRequest) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("x-goog-api-client", googAPIClient)
	httpReq.Header.Set("client-metadata", clientMetadata)
	if DetectModelFamily(req.Model) == FamilyClaude && IsThinkingModel(req.Model) {
		httpReq.Header.Set("anthropic-beta", betaInterleavedThinking)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
}

// retryableNetworkError separates transport failures worth retrying on
// another endpoint from deliberate aborts. Context cancellation always
// propagates.
func retryableNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
