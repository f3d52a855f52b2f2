package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "gaud"

// HomeDir returns the user's gateway configuration home: ~/.gaud
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.gaud exists with a commented default config.
// Called once at startup. Repeat calls only create missing items and
// never overwrite user edits.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", root, err)
	}

	path := filepath.Join(root, "gateway.yaml")
	if _, err := os.Stat(path); err == nil {
		logger.Debug("Config home OK", zap.String("home", root))
		return nil
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		logger.Warn("Failed to write default config", zap.String("path", path), zap.Error(err))
		return nil
	}

	logger.Info("Bootstrap complete",
		zap.String("home", root),
		zap.String("config", path),
	)
	return nil
}

// defaultConfig is written on first launch so a new install has a
// documented file to edit instead of an empty directory.
const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# gaud gateway configuration
# Auto-generated on first launch. Safe to edit.
# Every key can be overridden via GAUD_* environment variables,
# e.g. GAUD_SERVER_PORT=9000, GAUD_LOG_LEVEL=debug
# ═══════════════════════════════════════════════════════════════

server:
  host: 127.0.0.1
  port: 8400
  mode: release                # release | debug

log:
  level: info                  # debug | info | warn | error
  format: console              # console | json

router:
  strategy: priority           # priority | round_robin | least_used | random
  breaker:
    failure_threshold: 3       # consecutive failures before the circuit opens
    success_threshold: 2       # half-open successes before it closes again
    timeout: 30s               # how long an open circuit stays open

# Providers are matched by model name: claude-* goes to claude,
# gemini-* to gemini, gpt-*/o1*/o3* to copilot, kiro:* to kiro and
# litellm:* to litellm. A provider listed here is routable; set
# enabled: false to park one without deleting its entry.
providers: []
# Example:
# providers:
#   - type: claude
#     api_key: "sk-ant-..."
#     models:
#       - "claude-sonnet-4-20250514"
#       - "claude-opus-4-1"
#
#   - type: gemini
#     models:
#       - "gemini-2.5-pro"
#       - "gemini-2.5-flash"
#
#   - type: copilot
#     api_key: "ghu_..."       # GitHub token, exchanged for a Copilot session
#
#   - type: kiro
#     region: us-east-1
#     auth_path: ~/.aws/sso/cache/kiro-auth-token.json
#     db_path: ~/.kiro/token-store.db
#
#   - type: litellm
#     base_url: "http://127.0.0.1:4000"
#     discover_models: true    # pull the model list from the proxy
#     enabled: false
`
