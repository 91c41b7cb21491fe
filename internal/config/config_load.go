package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values. API keys come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CWLENS_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CWLENS_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	if c.Providers.Anthropic.APIKey == "" {
		envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	}
	if c.Providers.OpenAI.APIKey == "" {
		envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	}

	envStr("CWLENS_PROVIDER", &c.Agent.Provider)
	envStr("CWLENS_MODEL", &c.Agent.Model)
	envStr("CWLENS_AWS_REGION", &c.AWS.Region)
	envStr("CWLENS_AWS_PROFILE", &c.AWS.Profile)
	envStr("CWLENS_CACHE_DIR", &c.Cache.Dir)
	envStr("CWLENS_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}

	if v := os.Getenv("CWLENS_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 100 {
			c.Agent.MaxToolIterations = n
		}
	}
	if v := os.Getenv("CWLENS_SANITIZE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sanitize.Enabled = b
		}
	}
}

// Save writes the config as indented JSON, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
