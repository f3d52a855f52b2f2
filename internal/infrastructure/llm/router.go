package llm

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoutingStrategy selects among healthy providers that support the
// requested model.
type RoutingStrategy int

const (
	// StrategyPriority tries providers in the order they were registered.
	StrategyPriority RoutingStrategy = iota
	// StrategyRoundRobin cycles through candidates with a global counter.
	StrategyRoundRobin
	// StrategyLeastUsed picks the provider with the fewest total requests.
	StrategyLeastUsed
	// StrategyRandom shuffles the candidates.
	StrategyRandom
)

// String returns the config-file spelling of the strategy.
func (s RoutingStrategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyLeastUsed:
		return "least_used"
	case StrategyRandom:
		return "random"
	default:
		return "priority"
	}
}

// ParseStrategy reads a strategy name from config. Unknown names fall
// back to priority.
func ParseStrategy(name string) RoutingStrategy {
	switch strings.ToLower(name) {
	case "round_robin", "round-robin", "roundrobin":
		return StrategyRoundRobin
	case "least_used", "least-used", "leastused":
		return StrategyLeastUsed
	case "random":
		return StrategyRandom
	default:
		return StrategyPriority
	}
}

// ProviderStats tracks simple request counters per provider. LastError
// is sticky: it keeps the most recent failure even after recovery.
type ProviderStats struct {
	TotalRequests      uint64     `json:"total_requests"`
	SuccessfulRequests uint64     `json:"successful_requests"`
	FailedRequests     uint64     `json:"failed_requests"`
	TotalLatencyMS     uint64     `json:"total_latency_ms"`
	LastError          string     `json:"last_error,omitempty"`
	LastUsed           *time.Time `json:"last_used,omitempty"`
}

// AvgLatencyMS returns the mean latency of successful requests.
func (s ProviderStats) AvgLatencyMS() uint64 {
	if s.SuccessfulRequests == 0 {
		return 0
	}
	return s.TotalLatencyMS / s.SuccessfulRequests
}

// ProviderHealth is one provider's row in the health report.
type ProviderHealth struct {
	Provider  string   `json:"provider"`
	Healthy   bool     `json:"healthy"`
	Models    []string `json:"models"`
	LatencyMS *uint64  `json:"latency_ms,omitempty"`
}

// ProviderModel pairs a model identifier with the provider serving it.
type ProviderModel struct {
	Model    string
	Provider string
}

type registeredProvider struct {
	provider Provider
	circuit  *CircuitBreaker
	stats    ProviderStats
	disabled bool
}

// Router dispatches chat requests to the provider owning the requested
// model, with circuit breaking and fallback across the other registered
// providers. Breakers and stats are only touched under the router lock;
// the lock is released for the provider call itself.
type Router struct {
	mu        sync.Mutex
	providers map[string]*registeredProvider
	order     []string
	strategy  RoutingStrategy
	breaker   CircuitBreakerConfig
	rrIndex   int
	logger    *zap.Logger
}

// NewRouter creates a router with the priority strategy.
func NewRouter(logger *zap.Logger) *Router {
	return NewRouterWithStrategy(StrategyPriority, logger)
}

// NewRouterWithStrategy creates a router with the given strategy.
func NewRouterWithStrategy(strategy RoutingStrategy, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]*registeredProvider),
		strategy:  strategy,
		breaker:   DefaultCircuitBreakerConfig(),
		logger:    logger.With(zap.String("component", "llm-router")),
	}
}

// Register adds a provider. Re-registering an id swaps the entry in
// place so priority order stays stable across config reloads.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.providers[id]; exists {
		r.logger.Warn("Provider already registered, replacing",
			zap.String("provider", id),
		)
	} else {
		r.order = append(r.order, id)
	}
	r.providers[id] = &registeredProvider{
		provider: p,
		circuit:  NewCircuitBreakerWithConfig(r.breaker),
	}
	r.logger.Info("LLM provider registered",
		zap.String("provider", id),
		zap.Strings("models", p.Models()),
	)
}

// SetStrategy changes the routing strategy at runtime.
func (r *Router) SetStrategy(strategy RoutingStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
}

// Strategy returns the active routing strategy.
func (r *Router) Strategy() RoutingStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// SetBreakerConfig sets the breaker thresholds used for providers
// registered from this point on. Existing breakers are not rebuilt.
func (r *Router) SetBreakerConfig(cfg CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaker = cfg
}

// SetEnabled toggles a provider without tearing it down. A disabled
// provider keeps its breaker and stats but receives no traffic and is
// skipped by health probes. Reports whether the id is registered.
func (r *Router) SetEnabled(providerID string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.providers[providerID]
	if !ok {
		return false
	}
	if entry.disabled == !enabled {
		return true
	}
	entry.disabled = !enabled
	r.logger.Info("Provider enablement changed",
		zap.String("provider", providerID),
		zap.Bool("enabled", enabled),
	)
	return true
}

// Enabled reports whether a registered provider receives traffic.
// Unknown ids report false.
func (r *Router) Enabled(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.providers[providerID]
	return ok && !entry.disabled
}

// ProviderIDs returns the registered provider ids in priority order.
func (r *Router) ProviderIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// AvailableModels lists every model of every registered provider.
func (r *Router) AvailableModels() []ProviderModel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var models []ProviderModel
	for _, id := range r.order {
		entry := r.providers[id]
		if entry.disabled {
			continue
		}
		for _, m := range entry.provider.Models() {
			models = append(models, ProviderModel{Model: m, Provider: id})
		}
	}
	return models
}

// CircuitState reports a provider's breaker state.
func (r *Router) CircuitState(providerID string) (CircuitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.providers[providerID]
	if !ok {
		return CircuitClosed, false
	}
	return entry.circuit.State(), true
}

// Stats returns a copy of a provider's request counters.
func (r *Router) Stats(providerID string) (ProviderStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.providers[providerID]
	if !ok {
		return ProviderStats{}, false
	}
	return entry.stats, true
}

// AllStats returns a copy of every provider's counters keyed by id.
func (r *Router) AllStats() map[string]ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make(map[string]ProviderStats, len(r.order))
	for _, id := range r.order {
		stats[id] = r.providers[id].stats
	}
	return stats
}

// ResetCircuit closes a provider's breaker, re-enabling dispatch.
func (r *Router) ResetCircuit(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.providers[providerID]; ok {
		entry.circuit.Reset()
		r.logger.Info("Circuit breaker reset", zap.String("provider", providerID))
	}
}

// resolveProviderID maps a model name prefix to its primary provider.
// Returns "" when no prefix matches.
func resolveProviderID(model string) string {
	switch {
	case strings.HasPrefix(model, "litellm:"):
		return ProviderLiteLLM
	case strings.HasPrefix(model, "kiro:"):
		return ProviderKiro
	case strings.HasPrefix(model, "claude-"), strings.HasPrefix(model, "claude_"):
		return ProviderClaude
	case strings.HasPrefix(model, "gemini-"), strings.HasPrefix(model, "gemini_"):
		return ProviderGemini
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return ProviderCopilot
	default:
		return ""
	}
}

// candidatesForModel builds the ordered candidate list: the
// prefix-mapped provider first, then every other provider that claims
// the model, filtered through the breakers and reordered per strategy.
// Callers must hold r.mu.
func (r *Router) candidatesForModel(model string) []string {
	var candidates []string

	if primary := resolveProviderID(model); primary != "" {
		if entry, ok := r.providers[primary]; ok {
			if !entry.disabled && entry.provider.SupportsModel(model) && entry.circuit.Allow() {
				candidates = append(candidates, primary)
			}
		}
	}

	for _, id := range r.order {
		if len(candidates) > 0 && candidates[0] == id {
			continue
		}
		entry := r.providers[id]
		if !entry.disabled && entry.provider.SupportsModel(model) && entry.circuit.Allow() {
			candidates = append(candidates, id)
		}
	}

	switch r.strategy {
	case StrategyPriority:
		// Already in registration order.
	case StrategyRoundRobin:
		if len(candidates) > 0 {
			start := r.rrIndex % len(candidates)
			candidates = append(candidates[start:], candidates[:start]...)
			r.rrIndex++
		}
	case StrategyLeastUsed:
		sort.SliceStable(candidates, func(i, j int) bool {
			return r.providers[candidates[i]].stats.TotalRequests <
				r.providers[candidates[j]].stats.TotalRequests
		})
	case StrategyRandom:
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	}

	return candidates
}

// Chat routes a non-streaming request, falling back across candidates
// until one succeeds. The last provider error is surfaced when all fail.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	r.mu.Lock()
	candidates := r.candidatesForModel(req.Model)
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil, &NoProviderError{Model: req.Model}
	}

	var lastErr error
	for _, id := range candidates {
		r.mu.Lock()
		entry, ok := r.providers[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		provider := entry.provider

		r.logger.Debug("Attempting chat",
			zap.String("provider", id),
			zap.String("model", req.Model),
		)
		start := time.Now()
		resp, err := provider.Chat(ctx, req)
		latency := time.Since(start)

		r.mu.Lock()
		if entry, ok := r.providers[id]; ok {
			now := time.Now()
			entry.stats.TotalRequests++
			entry.stats.LastUsed = &now
			if err != nil {
				entry.circuit.RecordFailure()
				entry.stats.FailedRequests++
				entry.stats.LastError = err.Error()
			} else {
				entry.circuit.RecordSuccess()
				entry.stats.SuccessfulRequests++
				entry.stats.TotalLatencyMS += uint64(latency.Milliseconds())
			}
		}
		r.mu.Unlock()

		if err != nil {
			fields := []zap.Field{
				zap.String("provider", id),
				zap.Error(err),
			}
			if wait, ok := RetryAfter(err); ok {
				fields = append(fields, zap.Duration("retry_after", wait))
			}
			r.logger.Warn("Chat failed, trying next provider", fields...)
			lastErr = err
			continue
		}

		r.logger.Info("Chat succeeded",
			zap.String("provider", id),
			zap.String("model", req.Model),
			zap.Duration("latency", latency),
		)
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &AllFailedError{Model: req.Model}
}

// StreamChat routes a streaming request. Fallback only covers stream
// initiation: once an upstream starts answering, the stream cannot be
// spliced, so success is recorded optimistically and delivery errors
// arrive in-band on the channel.
func (r *Router) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	r.mu.Lock()
	candidates := r.candidatesForModel(req.Model)
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil, &NoProviderError{Model: req.Model}
	}

	var lastErr error
	for _, id := range candidates {
		r.mu.Lock()
		entry, ok := r.providers[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		provider := entry.provider

		r.logger.Debug("Attempting stream",
			zap.String("provider", id),
			zap.String("model", req.Model),
		)
		stream, err := provider.StreamChat(ctx, req)

		r.mu.Lock()
		if entry, ok := r.providers[id]; ok {
			now := time.Now()
			entry.stats.TotalRequests++
			entry.stats.LastUsed = &now
			if err != nil {
				entry.circuit.RecordFailure()
				entry.stats.FailedRequests++
				entry.stats.LastError = err.Error()
			} else {
				entry.circuit.RecordSuccess()
				entry.stats.SuccessfulRequests++
			}
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Warn("Stream init failed, trying next provider",
				zap.String("provider", id),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		r.logger.Info("Stream started",
			zap.String("provider", id),
			zap.String("model", req.Model),
		)
		return stream, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &AllFailedError{Model: req.Model}
}

// HealthCheckAll probes every provider concurrently and feeds the
// results into the breakers, so a passing probe revives a tripped
// provider without waiting for live traffic.
func (r *Router) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.Lock()
	type probe struct {
		id       string
		provider Provider
	}
	probes := make([]probe, 0, len(r.order))
	for _, id := range r.order {
		if r.providers[id].disabled {
			continue
		}
		probes = append(probes, probe{id: id, provider: r.providers[id].provider})
	}
	r.mu.Unlock()

	results := make(map[string]bool, len(probes))
	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
	)
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			healthy := p.provider.HealthCheck(ctx)
			resultMu.Lock()
			results[p.id] = healthy
			resultMu.Unlock()
		}(p)
	}
	wg.Wait()

	r.mu.Lock()
	for id, healthy := range results {
		if entry, ok := r.providers[id]; ok {
			if healthy {
				entry.circuit.RecordSuccess()
			} else {
				entry.circuit.RecordFailure()
			}
		}
	}
	r.mu.Unlock()

	return results
}

// Health builds the per-provider health report without live probes:
// a provider is healthy while its circuit is not open.
func (r *Router) Health() []ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := make([]ProviderHealth, 0, len(r.order))
	for _, id := range r.order {
		entry := r.providers[id]
		latency := entry.stats.AvgLatencyMS()
		report = append(report, ProviderHealth{
			Provider:  id,
			Healthy:   !entry.disabled && entry.circuit.State() != CircuitOpen,
			Models:    entry.provider.Models(),
			LatencyMS: &latency,
		})
	}
	return report
}
