package llm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Shared conversion helpers used by every dialect transformer. Each
// upstream wants a different shape for the same ideas (system prompts,
// tool declarations, finish reasons), so the common ground lives here.

// --- System messages ---

// ConcatSystemMessages joins the text of all system messages with blank
// lines. Returns "" when no system message carries text.
func ConcatSystemMessages(messages []ChatMessage) string {
	var texts []string
	for _, m := range messages {
		if m.Role != RoleSystem {
			continue
		}
		if t := m.Content.PlainText(); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

// FilterSystemMessages returns the messages with system turns removed.
func FilterSystemMessages(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// --- Message ordering ---

// MergeAdjacentMessages merges consecutive same-role user or assistant
// messages so the sequence strictly alternates. Upstreams in the
// Anthropic family reject non-alternating conversations. Text content
// is joined with a blank line; assistant tool calls are appended.
func MergeAdjacentMessages(messages []ChatMessage) []ChatMessage {
	result := make([]ChatMessage, 0, len(messages))

	for _, msg := range messages {
		if len(result) > 0 {
			last := &result[len(result)-1]
			sameRole := last.Role == msg.Role &&
				(msg.Role == RoleUser || msg.Role == RoleAssistant)

			if sameRole {
				if !last.Content.IsNull() && !msg.Content.IsNull() {
					last.Content = TextContent(last.Content.PlainText() + "\n\n" + msg.Content.PlainText())
				}
				if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
					last.ToolCalls = append(last.ToolCalls, msg.ToolCalls...)
				}
				continue
			}
		}
		result = append(result, msg)
	}
	return result
}

// --- Tool conversion ---

// ToolsToAnthropic converts tool declarations to the Anthropic shape.
// A missing parameter schema becomes an empty object schema, which
// Anthropic requires.
func ToolsToAnthropic(tools []Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		var schema json.RawMessage = tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		t := map[string]any{
			"name":         tool.Function.Name,
			"input_schema": schema,
		}
		if tool.Function.Description != "" {
			t["description"] = tool.Function.Description
		}
		out = append(out, t)
	}
	return out
}

// ToolChoiceToAnthropic converts a tool choice to the Anthropic shape,
// or nil when the choice does not translate.
func ToolChoiceToAnthropic(choice *ToolChoice) map[string]any {
	if choice == nil {
		return nil
	}
	if choice.Function != "" {
		return map[string]any{"type": "tool", "name": choice.Function}
	}
	switch choice.Mode {
	case "auto":
		return map[string]any{"type": "auto"}
	case "required":
		return map[string]any{"type": "any"}
	case "none":
		return map[string]any{"type": "none"}
	default:
		return nil
	}
}

// ToolsToGoogle converts tool declarations to Google's tools array
// carrying a single functionDeclarations group.
func ToolsToGoogle(tools []Tool) []map[string]any {
	decls := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		d := map[string]any{"name": tool.Function.Name}
		if tool.Function.Description != "" {
			d["description"] = tool.Function.Description
		}
		if len(tool.Function.Parameters) > 0 {
			d["parameters"] = tool.Function.Parameters
		}
		decls = append(decls, d)
	}
	return []map[string]any{{"functionDeclarations": decls}}
}

// ToolChoiceToGoogle converts a tool choice to Google's
// functionCallingConfig, or nil when the choice does not translate.
func ToolChoiceToGoogle(choice *ToolChoice) map[string]any {
	if choice == nil {
		return nil
	}
	if choice.Function != "" {
		return map[string]any{
			"mode":                   "ANY",
			"allowed_function_names": []string{choice.Function},
		}
	}
	switch choice.Mode {
	case "auto":
		return map[string]any{"mode": "AUTO"}
	case "required":
		return map[string]any{"mode": "ANY"}
	case "none":
		return map[string]any{"mode": "NONE"}
	default:
		return nil
	}
}

// SanitizeToolCallID replaces every character outside [A-Za-z0-9_-]
// with an underscore. Anthropic rejects ids containing anything else.
func SanitizeToolCallID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

// DecodeToolArguments parses a tool call's JSON arguments, falling back
// to an empty object on malformed input.
func DecodeToolArguments(arguments string) any {
	var input any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

// --- Image URLs ---

// ParseImageURL splits an image reference into source type, media type
// and payload. Data URIs yield ("base64", mime, data); anything else is
// passed through as ("url", "image/png", url).
func ParseImageURL(url string) (sourceType, mediaType, data string) {
	if !strings.HasPrefix(url, "data:") {
		return "url", "image/png", url
	}
	header, payload, _ := strings.Cut(url, ",")
	mediaType = strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return "base64", mediaType, payload
}

// --- Finish reasons ---

// MapFinishReason normalizes upstream finish reasons to the OpenAI set.
// Unknown values fall back to "stop".
func MapFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "STOP", "stop":
		return FinishStop
	case "max_tokens", "MAX_TOKENS", "length":
		return FinishLength
	case "tool_use", "TOOL_USE", "tool_calls":
		return FinishToolCalls
	case "SAFETY", "RECITATION", "content_filter":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// --- Rate limit headers ---

// ParseRateLimitHeaders extracts a retry hint and normalizes upstream
// rate-limit headers to the x-ratelimit-* family. A numeric Retry-After
// always wins; Anthropic reset timestamps only fill the gap.
func ParseRateLimitHeaders(provider string, headers http.Header) (time.Duration, http.Header) {
	var retryAfter time.Duration
	normalized := http.Header{}

	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseUint(v, 10, 64); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		normalized.Set("x-ratelimit-retry-after", v)
	}

	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		value := values[0]
		if lower == "retry-after" {
			continue
		}

		switch provider {
		case ProviderClaude, ProviderKiro:
			suffix, ok := strings.CutPrefix(lower, "anthropic-ratelimit-")
			if !ok {
				continue
			}
			normalized.Set("x-ratelimit-"+suffix, value)
			if !strings.HasSuffix(suffix, "-reset") || retryAfter > 0 {
				continue
			}
			if reset, err := time.Parse(time.RFC3339, value); err == nil {
				if until := time.Until(reset); until > 0 {
					retryAfter = until
				}
			}
		case ProviderCopilot, ProviderGemini, ProviderLiteLLM:
			if strings.HasPrefix(lower, "x-ratelimit-") {
				normalized.Set(lower, value)
			}
		}
	}

	return retryAfter, normalized
}
