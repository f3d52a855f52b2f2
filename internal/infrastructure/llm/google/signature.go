package google

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// SkipSignature is accepted by the API in place of a real thought
	// signature when the original one is no longer available, e.g. a
	// client replaying a tool call from a previous process.
	SkipSignature = "skip_thought_signature_validator"

	// MinSignatureLength filters truncated or placeholder signatures;
	// anything shorter is not worth caching or replaying.
	MinSignatureLength = 50

	// signatureTTL bounds how long a cached signature stays replayable.
	signatureTTL = 2 * time.Hour
)

// ModelFamily groups model names by the dialect quirks they share.
// Cloud Code serves both Gemini and Claude models through the same
// endpoint, so the family is detected per request.
type ModelFamily string

const (
	FamilyClaude  ModelFamily = "claude"
	FamilyGemini  ModelFamily = "gemini"
	FamilyUnknown ModelFamily = "unknown"
)

// DetectModelFamily classifies a model name by substring match.
func DetectModelFamily(model string) ModelFamily {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	default:
		return FamilyUnknown
	}
}

// IsThinkingModel reports whether a model emits thinking output. Claude
// models only when the name says so; Gemini models when the name says
// so or from the 3.x generation on, where thinking is always on.
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	switch DetectModelFamily(lower) {
	case FamilyClaude:
		return strings.Contains(lower, "thinking")
	case FamilyGemini:
		return strings.Contains(lower, "thinking") || geminiVersion(lower) >= 3
	default:
		return false
	}
}

// geminiVersion parses the numeric generation out of names like
// "gemini-2.5-flash". Returns 0 when the name has no parsable version.
func geminiVersion(model string) float64 {
	_, rest, ok := strings.Cut(model, "gemini-")
	if !ok {
		return 0
	}
	version := rest
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		version = rest[:i]
	}
	v, err := strconv.ParseFloat(version, 64)
	if err != nil {
		return 0
	}
	return v
}

type signatureEntry struct {
	signature string
	family    ModelFamily
	storedAt  time.Time
}

func (e signatureEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > signatureTTL
}

// SignatureCache remembers thought signatures across requests so that
// replayed thinking and tool calls keep passing the API's signature
// validator. Thinking entries are keyed by a hash of the thought text,
// tool entries by the synthesized tool-call id. Safe for concurrent use.
type SignatureCache struct {
	mu       sync.RWMutex
	thinking map[string]signatureEntry
	tools    map[string]signatureEntry
}

// Signatures is the process-wide cache. Signatures must survive across
// requests (the model's thinking streams out in one response and is
// replayed in the next), so the cache is shared by all providers.
var Signatures = NewSignatureCache()

// NewSignatureCache creates an empty cache.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		thinking: map[string]signatureEntry{},
		tools:    map[string]signatureEntry{},
	}
}

// StoreThinking caches the signature attached to a thought text.
// Signatures below the length threshold are ignored.
func (c *SignatureCache) StoreThinking(text, signature string, family ModelFamily) {
	if len(signature) < MinSignatureLength {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(now)
	c.thinking[thinkingKey(family, text)] = signatureEntry{signature: signature, family: family, storedAt: now}
}

// Thinking returns the cached signature for a thought text, if one was
// stored for the same model family and has not expired.
func (c *SignatureCache) Thinking(text string, family ModelFamily) (string, bool) {
	c.mu.RLock()
	entry, ok := c.thinking[thinkingKey(family, text)]
	c.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return "", false
	}
	return entry.signature, true
}

// StoreTool caches the signature attached to a tool call.
func (c *SignatureCache) StoreTool(toolID, signature string, family ModelFamily) {
	if toolID == "" || len(signature) < MinSignatureLength {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(now)
	c.tools[toolID] = signatureEntry{signature: signature, family: family, storedAt: now}
}

// Tool returns the cached signature for a tool-call id. A signature
// minted by one model family is not valid for another, so lookups from
// a different family miss.
func (c *SignatureCache) Tool(toolID string, family ModelFamily) (string, bool) {
	c.mu.RLock()
	entry, ok := c.tools[toolID]
	c.mu.RUnlock()
	if !ok || entry.family != family || entry.expired(time.Now()) {
		return "", false
	}
	return entry.signature, true
}

// Reset drops every cached signature.
func (c *SignatureCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thinking = map[string]signatureEntry{}
	c.tools = map[string]signatureEntry{}
}

func (c *SignatureCache) purgeLocked(now time.Time) {
	for k, e := range c.thinking {
		if e.expired(now) {
			delete(c.thinking, k)
		}
	}
	for k, e := range c.tools {
		if e.expired(now) {
			delete(c.tools, k)
		}
	}
}

func thinkingKey(family ModelFamily, text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(family) + ":" + hex.EncodeToString(sum[:])
}
