package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
	"github.com/gaud/gateway/internal/interfaces/http/handlers"
)

// Server is the HTTP front of the gateway.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds the listener settings.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer wires the OpenAI-compatible routes onto a gin engine.
func NewServer(cfg Config, router *llm.Router, logger *zap.Logger) *Server {
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginLogger(logger))

	openaiHandler := handlers.NewOpenAIHandler(router, llm.NewCostCalculator(logger), logger)
	healthHandler := handlers.NewHealthHandler(router, logger)

	setupRoutes(engine, openaiHandler, healthHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start begins serving in the background. Listen errors other than a
// clean shutdown are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(engine *gin.Engine, openaiHandler *handlers.OpenAIHandler, healthHandler *handlers.HealthHandler) {
	engine.GET("/health", healthHandler.Health)
	engine.GET("/stats", healthHandler.Stats)

	// OpenAI-compatible API
	v1 := engine.Group("/v1")
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.GET("/models", openaiHandler.ListModels)
	}
}

// ginLogger logs one line per request after it completes.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
