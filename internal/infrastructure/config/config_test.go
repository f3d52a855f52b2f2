package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "gateway.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8400 || cfg.Server.Mode != "release" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Server.ListenAddr() != "127.0.0.1:8400" {
		t.Fatalf("unexpected listen addr: %s", cfg.Server.ListenAddr())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Router.Strategy != "priority" {
		t.Fatalf("unexpected strategy default: %s", cfg.Router.Strategy)
	}
	if got := cfg.Router.Breaker.ToLLM(); got != llm.DefaultCircuitBreakerConfig() {
		t.Fatalf("breaker defaults should match the breaker package: %+v", got)
	}
	if len(cfg.Providers) != 0 {
		t.Fatalf("no providers expected, got %+v", cfg.Providers)
	}
	if cfg.Path() != path {
		t.Fatalf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestLoadFile(t *testing.T) {
	content := `
server:
  host: 0.0.0.0
  port: 9000
log:
  level: debug
  format: json
router:
  strategy: round_robin
  breaker:
    failure_threshold: 5
    success_threshold: 1
    timeout: 10s
providers:
  - name: claude
    api_key: sk-ant-test
  - name: copilot
    enabled: false
    api_key: ghu_test
  - type: litellm
    base_url: http://localhost:4000
    models: ["litellm:manual"]
    discover_models: true
`
	path := writeConfigFile(t, t.TempDir(), "gateway.yaml", content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddr() != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen addr: %s", cfg.Server.ListenAddr())
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Router.Strategy != "round_robin" {
		t.Fatalf("unexpected strategy: %s", cfg.Router.Strategy)
	}
	wantBreaker := llm.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: 10 * time.Second}
	if got := cfg.Router.Breaker.ToLLM(); got != wantBreaker {
		t.Fatalf("unexpected breaker config: %+v", got)
	}

	if len(cfg.Providers) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(cfg.Providers))
	}
	claude := cfg.Providers[0]
	if claude.ID() != "claude" || !claude.IsEnabled() {
		t.Fatalf("claude entry should default to enabled: %+v", claude)
	}
	copilot := cfg.Providers[1]
	if copilot.IsEnabled() {
		t.Fatalf("copilot entry is explicitly disabled: %+v", copilot)
	}
	litellm := cfg.Providers[2]
	if litellm.ID() != "litellm" {
		t.Fatalf("type should serve as the id: %+v", litellm)
	}

	llmCfg := litellm.ToLLM()
	if llmCfg.BaseURL != "http://localhost:4000" || !llmCfg.DiscoverModels {
		t.Fatalf("ToLLM lost fields: %+v", llmCfg)
	}
	if len(llmCfg.Models) != 1 || llmCfg.Models[0] != "litellm:manual" {
		t.Fatalf("ToLLM lost models: %+v", llmCfg.Models)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit config file must be an error")
	}
}

func TestLoadSearchModeTolerantOfMissingFile(t *testing.T) {
	// Search mode runs from a directory with no gateway.yaml anywhere.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("search mode should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 8400 {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
	if cfg.Path() != "" {
		t.Fatalf("no file should be recorded, got %q", cfg.Path())
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "gateway.yaml", "server: [broken")
	if _, err := Load(path); err == nil {
		t.Fatal("invalid yaml must be an error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "gateway.yaml", "server:\n  port: 9000\n")
	t.Setenv("GAUD_SERVER_PORT", "9100")
	t.Setenv("GAUD_LOG_LEVEL", "debug")
	t.Setenv("GAUD_ROUTER_STRATEGY", "random")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("env should override the file, got port %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("env should override the default, got level %s", cfg.Log.Level)
	}
	if cfg.Router.Strategy != "random" {
		t.Fatalf("env should override the strategy, got %s", cfg.Router.Strategy)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg: Config{
				Server:    ServerConfig{Host: "127.0.0.1", Port: 8400},
				Providers: []ProviderSettings{{Name: "claude"}},
			},
		},
		{
			name:    "port out of range",
			cfg:     Config{Server: ServerConfig{Port: 70000}},
			wantErr: true,
		},
		{
			name:    "port zero",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name: "provider without id",
			cfg: Config{
				Server:    ServerConfig{Port: 8400},
				Providers: []ProviderSettings{{APIKey: "sk-test"}},
			},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestProviderSettingsID(t *testing.T) {
	p := ProviderSettings{Name: "primary-claude", Type: "claude"}
	if p.ID() != "claude" {
		t.Fatalf("type should win, got %s", p.ID())
	}
	p = ProviderSettings{Name: "claude"}
	if p.ID() != "claude" {
		t.Fatalf("name is the fallback, got %s", p.ID())
	}
}
