package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// OpenAIHandler serves the OpenAI-compatible surface backed by the
// provider router. Requests arrive in OpenAI chat-completions shape and
// leave in it too; whatever translation a provider needs happens below
// the router.
type OpenAIHandler struct {
	router *llm.Router
	costs  *llm.CostCalculator
	logger *zap.Logger
}

// ModelsResponse mirrors OpenAI's models list response
type ModelsResponse struct {
	Object string          `json:"object"`
	Data   []llm.ModelInfo `json:"data"`
}

// NewOpenAIHandler creates a new OpenAI-compatible handler
func NewOpenAIHandler(router *llm.Router, costs *llm.CostCalculator, logger *zap.Logger) *OpenAIHandler {
	if costs == nil {
		costs = llm.NewCostCalculator(logger)
	}
	return &OpenAIHandler{
		router: router,
		costs:  costs,
		logger: logger,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req llm.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &llm.InvalidRequestError{Message: err.Error()})
		return
	}
	if req.Model == "" {
		writeError(c, &llm.InvalidRequestError{Message: "model is required"})
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, &llm.InvalidRequestError{Message: "messages must not be empty"})
		return
	}

	requestID := uuid.NewString()
	h.logger.Info("Chat completion request",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
		zap.Int("messages", len(req.Messages)),
	)

	if req.Stream {
		h.streamCompletion(c, &req, requestID)
		return
	}
	h.completion(c, &req, requestID)
}

func (h *OpenAIHandler) completion(c *gin.Context, req *llm.ChatRequest, requestID string) {
	start := time.Now()

	resp, err := h.router.Chat(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Chat completion failed",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Error(err))
		writeError(c, err)
		return
	}

	// Cost is priced against the requested model name, not whatever
	// alias the provider echoed back.
	cost := h.costs.Cost(req.Model, resp.Usage)
	h.logger.Info("Chat completion served",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Float64("cost_usd", cost),
		zap.Duration("latency", time.Since(start)))

	c.JSON(http.StatusOK, resp)
}

// streamCompletion forwards provider chunks as SSE frames. Headers are
// not committed until the first chunk arrives, so a provider that fails
// before producing anything still gets a proper HTTP status and JSON
// error body instead of a 200 with an error buried in the stream.
func (h *OpenAIHandler) streamCompletion(c *gin.Context, req *llm.ChatRequest, requestID string) {
	start := time.Now()

	stream, err := h.router.StreamChat(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Chat stream failed to start",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Error(err))
		writeError(c, err)
		return
	}

	var (
		headersSent bool
		chunks      int
		usage       llm.Usage
		cached      int
	)

	for result := range stream {
		if result.Err != nil {
			if !headersSent {
				h.logger.Warn("Chat stream failed before first chunk",
					zap.String("request_id", requestID),
					zap.String("model", req.Model),
					zap.Error(result.Err))
				writeError(c, result.Err)
				return
			}
			h.logger.Warn("Chat stream interrupted",
				zap.String("request_id", requestID),
				zap.String("model", req.Model),
				zap.Error(result.Err))
			writeSSEError(c, result.Err)
			continue
		}
		if result.Chunk == nil {
			continue
		}

		if !headersSent {
			writeSSEHeaders(c)
			headersSent = true
		}

		// Providers repeat cumulative usage across chunks, so keep
		// the maximum of each counter rather than summing.
		if u := result.Chunk.Usage; u != nil {
			if u.PromptTokens > usage.PromptTokens {
				usage.PromptTokens = u.PromptTokens
			}
			if u.CompletionTokens > usage.CompletionTokens {
				usage.CompletionTokens = u.CompletionTokens
			}
			if d := u.PromptTokensDetails; d != nil && d.CachedTokens > cached {
				cached = d.CachedTokens
			}
		}

		writeSSEChunk(c, result.Chunk)
		chunks++
	}

	if !headersSent {
		writeSSEHeaders(c)
	}
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if cached > 0 {
		usage.PromptTokensDetails = &llm.PromptTokensDetails{CachedTokens: cached}
	}
	cost := h.costs.Cost(req.Model, usage)
	h.logger.Info("Chat stream finished",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Int("chunks", chunks),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Float64("cost_usd", cost),
		zap.Duration("latency", time.Since(start)))
}

// ListModels handles GET /v1/models
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	available := h.router.AvailableModels()
	now := time.Now().Unix()

	data := make([]llm.ModelInfo, 0, len(available))
	for _, m := range available {
		data = append(data, llm.ModelInfo{
			ID:      m.Model,
			Object:  "model",
			Created: now,
			OwnedBy: m.Provider,
		})
	}

	c.JSON(http.StatusOK, ModelsResponse{
		Object: "list",
		Data:   data,
	})
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func writeSSEChunk(c *gin.Context, chunk *llm.ChatChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// writeSSEError emits an in-band error frame for failures that happen
// after the response status is already committed.
func writeSSEError(c *gin.Context, err error) {
	data, merr := json.Marshal(gin.H{
		"error": gin.H{
			"message": err.Error(),
			"type":    "stream_error",
		},
	})
	if merr != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// writeError maps an error to the OpenAI error envelope with the
// status, type and code from the provider error taxonomy.
func writeError(c *gin.Context, err error) {
	detail := gin.H{
		"message": err.Error(),
		"type":    llm.ErrorType(err),
	}
	if code := llm.ErrorCode(err); code != "" {
		detail["code"] = code
	}
	c.JSON(llm.StatusCode(err), gin.H{"error": detail})
}
