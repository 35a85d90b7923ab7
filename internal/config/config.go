// Package config handles configuration loading from TOML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/p3lera/eclia/internal/provider"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Root            string                    `toml:"root"` // project root; default cwd
	Server          ServerConfig              `toml:"server"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	ToolHost        ToolHostConfig            `toml:"toolhost"`
	Adapters        map[string]AdapterConfig  `toml:"adapters"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string  `toml:"addr"`
	SystemPrompt string  `toml:"system_prompt"`
	ChatRPS      float64 `toml:"chat_rps"` // per-session chat rate, requests/second
}

// AddrOrDefault returns the configured listen address or ":8089".
func (s ServerConfig) AddrOrDefault() string {
	if s.Addr == "" {
		return ":8089"
	}
	return s.Addr
}

// ChatRPSOrDefault returns the per-session chat rate or 1 rps.
func (s ServerConfig) ChatRPSOrDefault() float64 {
	if s.ChatRPS <= 0 {
		return 1
	}
	return s.ChatRPS
}

// ProviderConfig holds one upstream profile.
type ProviderConfig struct {
	Kind        string  `toml:"kind"` // openai-compatible|anthropic|codex-oauth
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	TokenBudget int     `toml:"token_budget"`
	APIKeyEnv   string  `toml:"api_key_env"` // env var consulted before credentials.json
	Auth        string  `toml:"auth"`        // "api_key" (default) or "none"
}

// ToolHostConfig selects how the tool host is reached: a spawned stdio child
// (default) or a Streamable-HTTP upstream.
type ToolHostConfig struct {
	Command      string `toml:"command"` // default "eclia-toolhost"
	UpstreamHTTP string `toml:"upstream_http"`
}

// CommandOrDefault returns the tool host executable.
func (t ToolHostConfig) CommandOrDefault() string {
	if t.Command == "" {
		return "eclia-toolhost"
	}
	return t.Command
}

// AdapterConfig names an outbound adapter webhook for send_to_adapter.
type AdapterConfig struct {
	Webhook string `toml:"webhook"`
}

// Load reads configuration from a TOML file and applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
		Adapters:  make(map[string]AdapterConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if cfg.Root == "" {
		cfg.Root, _ = os.Getwd()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error

	switch cfg.Kind {
	case provider.KindOpenAICompatible, provider.KindAnthropic:
		if cfg.Endpoint == "" && cfg.Kind == provider.KindOpenAICompatible {
			errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
		}
		if cfg.Endpoint != "" {
			if err := validateEndpoint(cfg.Endpoint); err != nil {
				errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
			}
		}
	case provider.KindCodexOAuth:
		// Spawned locally; no endpoint.
	default:
		errs = append(errs, fmt.Errorf("providers.%s.kind=%q is not a known provider kind", name, cfg.Kind))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"ECLIA_ADDR", func(v string) {
			if v != "" {
				cfg.Server.Addr = v
			}
		}},
		{"ECLIA_TOOLHOST", func(v string) {
			if v != "" {
				cfg.ToolHost.Command = v
			}
		}},
		{"ECLIA_ROOT", func(v string) {
			if v != "" {
				cfg.Root = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the eclia data directory (~/.config/eclia).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "eclia"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
