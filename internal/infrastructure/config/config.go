// Package config loads the gateway configuration from gateway.yaml,
// GAUD_* environment overrides and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// Config is the root of the gateway configuration tree.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Log       LogConfig          `mapstructure:"log"`
	Router    RouterConfig       `mapstructure:"router"`
	Providers []ProviderSettings `mapstructure:"providers"`

	path string
}

// Path returns the config file the tree was loaded from, or "" when
// only defaults and environment variables were used.
func (c *Config) Path() string { return c.path }

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// ListenAddr renders the host:port pair for net.Listen.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// RouterConfig holds the dispatch strategy and breaker thresholds.
type RouterConfig struct {
	Strategy string        `mapstructure:"strategy"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig mirrors the circuit breaker thresholds. Zero values
// fall back to the breaker's own defaults.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ToLLM converts the thresholds for the router.
func (b BreakerConfig) ToLLM() llm.CircuitBreakerConfig {
	return llm.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout,
	}
}

// ProviderSettings is one provider entry in the config file. An
// omitted enabled flag counts as enabled; listing a provider is opting
// in, the flag exists so hot reloads can park one without deleting it.
type ProviderSettings struct {
	Name           string        `mapstructure:"name"`
	Type           string        `mapstructure:"type"`
	Enabled        *bool         `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	BaseURLs       []string      `mapstructure:"base_urls"`
	APIKey         string        `mapstructure:"api_key"`
	Models         []string      `mapstructure:"models"`
	DiscoverModels bool          `mapstructure:"discover_models"`
	Region         string        `mapstructure:"region"`
	ProfileArn     string        `mapstructure:"profile_arn"`
	AuthPath       string        `mapstructure:"auth_path"`
	DBPath         string        `mapstructure:"db_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ID returns the key the entry resolves to in the factory registry and
// the router: Type, falling back to Name.
func (p ProviderSettings) ID() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// IsEnabled reports whether the provider should receive traffic.
func (p ProviderSettings) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ToLLM converts the entry into the provider construction config.
func (p ProviderSettings) ToLLM() llm.ProviderConfig {
	return llm.ProviderConfig{
		Name:           p.Name,
		Type:           p.Type,
		BaseURL:        p.BaseURL,
		BaseURLs:       p.BaseURLs,
		APIKey:         p.APIKey,
		Models:         p.Models,
		DiscoverModels: p.DiscoverModels,
		Region:         p.Region,
		ProfileArn:     p.ProfileArn,
		AuthPath:       p.AuthPath,
		DBPath:         p.DBPath,
		Timeout:        p.Timeout,
	}
}

// Load reads the configuration. With an explicit path every read error
// is fatal, including a missing file. With path == "" the search walks
// ".", "./config" and ~/.gaud for gateway.yaml and a missing file just
// leaves defaults and GAUD_* environment overrides in effect.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".gaud"))
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("GAUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate catches config shapes that would only fail much later, at
// provider construction or listener bind time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for i, p := range c.Providers {
		if p.ID() == "" {
			return fmt.Errorf("providers[%d]: name or type required", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8400)
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("router.strategy", "priority")
	v.SetDefault("router.breaker.failure_threshold", 3)
	v.SetDefault("router.breaker.success_threshold", 2)
	v.SetDefault("router.breaker.timeout", "30s")
}
