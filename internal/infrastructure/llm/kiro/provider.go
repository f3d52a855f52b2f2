// Package kiro implements the Kiro (Amazon Q Developer) provider. It
// speaks the Anthropic Messages dialect against a regional AWS endpoint
// and authenticates with short-lived tokens minted by the kiroauth
// manager instead of a static API key. The endpoint answers every
// request in SSE, so non-streaming completions are folded from the
// event stream.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
	"github.com/gaud/gateway/internal/infrastructure/llm/kiroauth"
)

const (
	// apiOrigin tags every request as coming from the IDE integration.
	apiOrigin = "AI_EDITOR"

	// Versions emulated in the AWS SDK user agent.
	sdkVersion  = "1.0.27"
	nodeVersion = "22.21.1"
	ideVersion  = "0.7.45"

	// defaultTimeout bounds non-streaming requests. Kiro delivers even
	// those as SSE, which takes longer than a plain JSON reply.
	defaultTimeout = 60 * time.Second
)

func init() {
	llm.RegisterFactory(llm.ProviderKiro, func(cfg llm.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
		return New(cfg, logger), nil
	})
}

// TokenSource is the slice of the credential manager the transport
// needs. *kiroauth.Manager implements it.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
	Region() string
	ProfileArn() string
}

// Provider speaks the Anthropic Messages dialect against Kiro's
// regional endpoint.
type Provider struct {
	id           string
	models       []string
	profileArn   string
	fingerprint  string
	auth         TokenSource
	transformer  *Transformer
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger

	// endpoint overrides the derived regional URL; tests use it.
	endpoint string
}

// New creates a Kiro provider from configuration. Credential stores are
// detected eagerly so startup can log what it found, but no refresh
// happens until the first request.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.Name
	if id == "" {
		id = llm.ProviderKiro
	}
	models := cfg.Models
	if len(models) == 0 {
		models = append([]string(nil), defaultModels...)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	fingerprint := kiroauth.MachineFingerprint()
	auth := kiroauth.NewManager(fingerprint, cfg.Region, logger)
	auth.DetectStores(kiroauth.AutoDetectOptions{
		CredsFile: cfg.AuthPath,
		DBPath:    cfg.DBPath,
	})

	client := llm.NewHTTPClient(timeout)
	streamClient := llm.NewHTTPClient(0)
	client.CheckRedirect = noRedirect
	streamClient.CheckRedirect = noRedirect

	return &Provider{
		id:           id,
		models:       models,
		profileArn:   cfg.ProfileArn,
		fingerprint:  fingerprint,
		auth:         auth,
		transformer:  NewTransformer(logger),
		client:       client,
		streamClient: streamClient,
		logger:       logger.With(zap.String("provider", id), zap.String("type", "kiro")),
	}
}

var _ llm.Provider = (*Provider)(nil)

// noRedirect surfaces redirects to the caller instead of following
// them; the endpoint redirects rather than erroring on stale tokens.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

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

// Chat runs a non-streaming completion. The endpoint only ever answers
// in SSE, so the body is decoded as a stream and folded into one
// response.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body, err := p.encode(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, p.client, body, false)
	if err != nil {
		return nil, err
	}

	raw, err := llm.ReadResponse(p.id, resp)
	if err != nil {
		return nil, err
	}
	return p.collectResponse(req.Model, raw)
}

// StreamChat opens a streaming completion. Initiation failures return a
// synchronous error so the router can fall back; failures after the
// first byte surface in-band on the result channel.
func (p *Provider) StreamChat(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	body, err := p.encode(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, p.streamClient, body, true)
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

// HealthCheck reports whether a usable access token can be produced,
// refreshing if needed.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	_, err := p.auth.GetToken(ctx)
	return err == nil
}

func (p *Provider) encode(req *llm.ChatRequest) ([]byte, error) {
	payload, err := p.transformer.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return body, nil
}

// send posts the body, refreshing the token and retrying exactly once
// when the endpoint answers 401 or 403. Rate limits are classified here
// rather than in the caller because the 429 body is useless and the
// connection should be released before surfacing the wait.
func (p *Provider) send(ctx context.Context, client *http.Client, body []byte, stream bool) (*http.Response, error) {
	retry := true
	for {
		token, err := p.auth.GetToken(ctx)
		if err != nil {
			p.logger.Warn("no kiro token", zap.Error(err))
			return nil, &llm.NoTokenError{Provider: p.id}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL(), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		p.setHeaders(httpReq, token)
		if stream {
			httpReq.Header.Set("Connection", "close")
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("sending request: %w", err)
		}

		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && retry {
			resp.Body.Close()
			p.logger.Warn("kiro auth rejected, forcing refresh", zap.Int("status", resp.StatusCode))
			if err := p.auth.ForceRefresh(ctx); err != nil {
				p.logger.Warn("kiro force refresh failed", zap.Error(err))
				return nil, &llm.NoTokenError{Provider: p.id}
			}
			retry = false
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			retryAfter, _ := llm.ParseRateLimitHeaders(p.id, resp.Header)
			if retryAfter == 0 {
				retryAfter = llm.DefaultRetryAfter
			}
			return nil, &llm.RateLimitedError{RetryAfter: retryAfter}
		}
		return resp, nil
	}
}

func (p *Provider) requestURL() string {
	host := p.endpoint
	if host == "" {
		host = fmt.Sprintf("https://q.%s.amazonaws.com", p.auth.Region())
	}
	u := host + "/generateAssistantResponse?origin=" + apiOrigin
	if arn := p.arn(); arn != "" {
		u += "&profileArn=" + url.QueryEscape(arn)
	}
	return u
}

// arn resolves the profile ARN: explicit configuration wins over
// whatever the credential store carries.
func (p *Provider) arn() string {
	if p.profileArn != "" {
		return p.profileArn
	}
	return p.auth.ProfileArn()
}

func (p *Provider) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/%s ua/2.1 os/linux lang/js md/nodejs#%s api/codewhispererstreaming#%s m/E KiroIDE-%s-%s",
		sdkVersion, nodeVersion, sdkVersion, ideVersion, p.fingerprint))
	req.Header.Set("x-amz-user-agent", fmt.Sprintf(
		"aws-sdk-js/%s KiroIDE-%s-%s", sdkVersion, ideVersion, p.fingerprint))
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
}

// collectResponse folds the SSE body of a non-streaming call into one
// response, keeping every delta instead of only the final event.
func (p *Provider) collectResponse(model string, raw []byte) (*llm.ChatResponse, error) {
	state := p.transformer.NewStreamState(model)
	parser := llm.NewSSEParser()

	events, err := parser.Feed(raw)
	if err != nil {
		return nil, err
	}
	trailing, err := parser.Flush()
	if err != nil {
		return nil, err
	}
	if trailing != nil {
		events = append(events, *trailing)
	}

	var chunks []*llm.ChatChunk
	for _, ev := range events {
		if ev.Kind != llm.SSEData {
			continue
		}
		out, err := state.ProcessPayload(ev.Data)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, out...)
	}
	if len(chunks) == 0 {
		return nil, &llm.ResponseParsingError{Message: "kiro response contained no usable events"}
	}
	return aggregateChunks(model, chunks), nil
}

// aggregateChunks folds stream chunks into a completed response: text
// and reasoning deltas concatenate, tool-call fragments accumulate per
// index, and the last finish reason and usage win.
func aggregateChunks(model string, chunks []*llm.ChatChunk) *llm.ChatResponse {
	var (
		id         string
		created    int64
		content    strings.Builder
		reasoning  strings.Builder
		hasContent bool
		toolCalls  []llm.ToolCall
		finish     = llm.FinishStop
		usage      llm.Usage
	)

	for _, chunk := range chunks {
		if id == "" {
			id = chunk.ID
		}
		if created == 0 {
			created = chunk.Created
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				hasContent = true
			}
			reasoning.WriteString(choice.Delta.ReasoningContent)
			for _, tc := range choice.Delta.ToolCalls {
				toolCalls = mergeToolCall(toolCalls, tc)
			}
		}
	}

	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	if created == 0 {
		created = time.Now().Unix()
	}

	var text *string
	if hasContent {
		joined := content.String()
		text = &joined
	}

	return &llm.ChatResponse{
		ID:      id,
		Object:  llm.ObjectChatCompletion,
		Created: created,
		Model:   model,
		Choices: []llm.Choice{{
			Index: 0,
			Message: llm.ResponseMessage{
				Role:             llm.RoleAssistant,
				Content:          text,
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// mergeToolCall accumulates one tool-call fragment into the call at its
// index, growing the slice as new indices appear.
func mergeToolCall(calls []llm.ToolCall, tc llm.ToolCall) []llm.ToolCall {
	idx := len(calls)
	if tc.Index != nil {
		idx = *tc.Index
	}
	for len(calls) <= idx {
		i := len(calls)
		calls = append(calls, llm.ToolCall{Index: &i, Type: "function"})
	}
	call := &calls[idx]
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Function.Name = tc.Function.Name
	}
	call.Function.Arguments += tc.Function.Arguments
	return calls
}
