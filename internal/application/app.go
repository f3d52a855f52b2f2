// Package application wires the gateway together: provider router,
// HTTP server and config hot reload.
package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/config"
	"github.com/gaud/gateway/internal/infrastructure/llm"
	_ "github.com/gaud/gateway/internal/infrastructure/llm/anthropic" // register claude provider factory
	_ "github.com/gaud/gateway/internal/infrastructure/llm/google"    // register gemini provider factory
	_ "github.com/gaud/gateway/internal/infrastructure/llm/kiro"      // register kiro provider factory
	_ "github.com/gaud/gateway/internal/infrastructure/llm/openai"    // register copilot and litellm provider factories
	httpServer "github.com/gaud/gateway/internal/interfaces/http"
)

// App is the dependency container for the gateway process.
type App struct {
	config *config.Config
	logger *zap.Logger

	router     *llm.Router
	httpServer *httpServer.Server
	watcher    *config.Watcher
}

// NewApp builds the full gateway from configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Ensure ~/.gaud exists with a default config on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRouter(); err != nil {
		return nil, fmt.Errorf("failed to init router: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	if err := app.initWatcher(); err != nil {
		return nil, fmt.Errorf("failed to init config watcher: %w", err)
	}

	return app, nil
}

// initRouter builds every configured provider and registers it with the
// router. A provider that fails to construct is skipped so the rest of
// the gateway still comes up. Disabled providers are registered too,
// held out of routing until a config reload enables them.
func (app *App) initRouter() error {
	cfg := app.config

	app.router = llm.NewRouterWithStrategy(llm.ParseStrategy(cfg.Router.Strategy), app.logger)
	app.router.SetBreakerConfig(cfg.Router.Breaker.ToLLM())

	registered := 0
	for _, ps := range cfg.Providers {
		provider, err := llm.CreateProvider(ps.ToLLM(), app.logger)
		if err != nil {
			app.logger.Error("Failed to create provider",
				zap.String("provider", ps.ID()),
				zap.Error(err),
			)
			continue
		}
		app.router.Register(provider)
		if !ps.IsEnabled() {
			app.router.SetEnabled(ps.ID(), false)
		}
		registered++
	}
	if registered == 0 {
		app.logger.Warn("No providers registered, every request will fail")
	}

	app.logger.Info("Provider router initialized",
		zap.Int("providers", registered),
		zap.String("strategy", cfg.Router.Strategy),
	)
	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
			Mode: app.config.Server.Mode,
		},
		app.router,
		app.logger,
	)
	return nil
}

// initWatcher arms hot reload when the config came from a file. Only
// the routing strategy and provider enablement are reapplied on change;
// the provider set itself stays fixed for the life of the process.
func (app *App) initWatcher() error {
	path := app.config.Path()
	if path == "" {
		app.logger.Info("No config file in use, hot reload disabled")
		return nil
	}

	watcher, err := config.NewWatcher(path, app.applyConfig, app.logger)
	if err != nil {
		return err
	}
	app.watcher = watcher
	return nil
}

func (app *App) applyConfig(next *config.Config) {
	app.router.SetStrategy(llm.ParseStrategy(next.Router.Strategy))
	for _, ps := range next.Providers {
		app.router.SetEnabled(ps.ID(), ps.IsEnabled())
	}
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if app.watcher != nil {
		if err := app.watcher.Start(ctx); err != nil {
			app.logger.Warn("Config watcher failed to start, hot reload disabled", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			app.logger.Error("Failed to close config watcher", zap.Error(err))
		}
	}

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Router returns the provider router.
func (app *App) Router() *llm.Router {
	return app.router
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}
