package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// HealthHandler serves the operational endpoints: liveness with
// per-provider probes, and request statistics.
type HealthHandler struct {
	router *llm.Router
	logger *zap.Logger
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string               `json:"status"`
	Providers []llm.ProviderHealth `json:"providers"`
}

// StatsResponse is the GET /stats body.
type StatsResponse struct {
	Providers map[string]llm.ProviderStats `json:"providers"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(router *llm.Router, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{router: router, logger: logger}
}

// Health handles GET /health. Every enabled provider is probed live;
// a provider is reported healthy only if its probe passed and its
// circuit is closed. Disabled providers show up unhealthy but do not
// degrade the overall status.
func (h *HealthHandler) Health(c *gin.Context) {
	probes := h.router.HealthCheckAll(c.Request.Context())
	providers := h.router.Health()

	status := "ok"
	for i := range providers {
		probed, ok := probes[providers[i].Provider]
		if !ok {
			continue
		}
		providers[i].Healthy = providers[i].Healthy && probed
		if !providers[i].Healthy {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Providers: providers,
	})
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Providers: h.router.AllStats(),
	})
}
