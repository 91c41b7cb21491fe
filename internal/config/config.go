// Package config holds the cwlens configuration: file at ~/.cwlens/config.json
// (JSON5, comments allowed) overlaid with CWLENS_* environment variables.
package config

import (
	"os"
	"path/filepath"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	AWS       AWSConfig       `json:"aws"`
	Providers ProvidersConfig `json:"providers"`
	Cache     CacheConfig     `json:"cache"`
	Sanitize  SanitizeConfig  `json:"sanitize"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	UI        UIConfig        `json:"ui"`
}

// AgentConfig tunes the orchestrator session.
type AgentConfig struct {
	Provider      string `json:"provider"` // "anthropic" or "openai"
	Model         string `json:"model,omitempty"`
	ContextWindow int    `json:"context_window"`

	MaxToolIterations      int    `json:"max_tool_iterations"`
	MaxRetryAttempts       int    `json:"max_retry_attempts"`
	AutoRetryEnabled       bool   `json:"auto_retry_enabled"`
	IntentDetectionEnabled bool   `json:"intent_detection_enabled"`
	TimeExpansionFactor    int    `json:"time_expansion_factor"`
	BudgetStrategy         string `json:"budget_strategy"` // adaptive, history_focused, result_focused

	EnableResultCaching        bool `json:"enable_result_caching"`
	CacheLargeResultsThreshold int  `json:"cache_large_results_threshold"` // tokens
	InitialChunkSize           int  `json:"initial_chunk_size"`
	EnableAutoFetchGuidance    bool `json:"enable_auto_fetch_guidance"`
	EnableHistoryPruning       bool `json:"enable_history_pruning"`
}

// AWSConfig selects the CloudWatch account and region.
type AWSConfig struct {
	Region  string `json:"region,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// ProvidersConfig holds LLM provider credentials. API keys are never written
// back to the config file; they come from env.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig is one LLM provider's settings.
type ProviderConfig struct {
	APIKey  string `json:"-"` // from env only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// CacheConfig locates and bounds the on-disk caches.
type CacheConfig struct {
	Dir                string `json:"dir,omitempty"` // default ~/.cwlens/cache
	QueryMaxBytes      int64  `json:"query_max_bytes"`
	QueryMaxEntries    int    `json:"query_max_entries"`
	ResultMaxBytes     int64  `json:"result_max_bytes"`
	ResultTTLSeconds   int    `json:"result_ttl_seconds"`
	QueryCacheEnabled  bool   `json:"query_cache_enabled"`
}

// SanitizeConfig controls PII redaction of log content.
type SanitizeConfig struct {
	Enabled bool `json:"enabled"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port for OTLP/HTTP
}

// UIConfig holds terminal presentation options.
type UIConfig struct {
	LogGroupsSidebarVisible bool `json:"log_groups_sidebar_visible"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:                   "anthropic",
			ContextWindow:              200000,
			MaxToolIterations:          10,
			MaxRetryAttempts:           3,
			AutoRetryEnabled:           true,
			IntentDetectionEnabled:     true,
			TimeExpansionFactor:        4,
			BudgetStrategy:             "adaptive",
			EnableResultCaching:        true,
			CacheLargeResultsThreshold: 5000,
			InitialChunkSize:           50,
			EnableAutoFetchGuidance:    true,
			EnableHistoryPruning:       true,
		},
		Cache: CacheConfig{
			QueryMaxBytes:     500 * 1024 * 1024,
			QueryMaxEntries:   10000,
			ResultMaxBytes:    100 * 1024 * 1024,
			ResultTTLSeconds:  3600,
			QueryCacheEnabled: true,
		},
		Sanitize: SanitizeConfig{Enabled: true},
		UI:       UIConfig{LogGroupsSidebarVisible: true},
	}
}

// Dir returns the cwlens home directory (~/.cwlens).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cwlens"
	}
	return filepath.Join(home, ".cwlens")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// CacheDir resolves the cache directory, honoring the config override.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return expandHome(c.Cache.Dir)
	}
	return filepath.Join(Dir(), "cache")
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
