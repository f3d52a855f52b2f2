// Package llm is the provider-routing core of the gateway. It defines
// the canonical OpenAI-compatible types, the Provider interface each
// upstream dialect implements, and the router that dispatches requests
// across providers with circuit breaking and fallback.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known provider identifiers. Model-name prefixes route to these.
const (
	ProviderClaude  = "claude"
	ProviderGemini  = "gemini"
	ProviderCopilot = "copilot"
	ProviderKiro    = "kiro"
	ProviderLiteLLM = "litellm"
)

// Provider is one upstream LLM behind the gateway. Implementations
// translate the canonical types to their wire dialect and back.
type Provider interface {
	// ID returns the provider identifier (e.g. "claude", "kiro").
	ID() string

	// Models returns the model identifiers this provider serves.
	Models() []string

	// SupportsModel checks if a specific model is supported.
	SupportsModel(model string) bool

	// Chat performs a full, non-streaming completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChat starts a streaming completion. Initiation failures are
	// returned synchronously so the router can fall back to another
	// provider; once the channel exists, failures arrive in-band as the
	// final StreamResult and the channel is closed.
	StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error)

	// HealthCheck reports whether the provider is currently usable.
	HealthCheck(ctx context.Context) bool
}

// ProviderConfig holds configuration for one provider instance.
// BaseURLs lists fallback endpoints for providers that support them;
// when set it takes precedence over BaseURL. AuthPath and DBPath point
// Kiro at explicit credential stores (JSON file and SQLite database).
// DiscoverModels lets LiteLLM pull its model list from the proxy.
type ProviderConfig struct {
	Name           string        `json:"name"`
	Type           string        `json:"type"`
	BaseURL        string        `json:"base_url"`
	BaseURLs       []string      `json:"base_urls"`
	APIKey         string        `json:"api_key"`
	Models         []string      `json:"models"`
	DiscoverModels bool          `json:"discover_models"`
	Region         string        `json:"region"`
	ProfileArn     string        `json:"profile_arn"`
	AuthPath       string        `json:"auth_path"`
	DBPath         string        `json:"db_path"`
	Timeout        time.Duration `json:"timeout"`
}

// --- Provider Factory Registry ---
// Providers register themselves via init() in their own package.
// Adding a new provider type = implement Provider + RegisterFactory("type", New).

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) (Provider, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
// Called from init() in each provider sub-package (e.g. llm/anthropic).
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for
// cfg.Type, falling back to cfg.Name when Type is empty.
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = cfg.Name
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}

	return factory(cfg, logger)
}
