package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cwlens/cwlens/internal/agent"
	"github.com/cwlens/cwlens/internal/budget"
	"github.com/cwlens/cwlens/internal/cloudwatch"
	"github.com/cwlens/cwlens/internal/config"
	"github.com/cwlens/cwlens/internal/loggroups"
	"github.com/cwlens/cwlens/internal/providers"
	"github.com/cwlens/cwlens/internal/querycache"
	"github.com/cwlens/cwlens/internal/resultcache"
	"github.com/cwlens/cwlens/internal/sanitize"
	"github.com/cwlens/cwlens/internal/telemetry"
	"github.com/cwlens/cwlens/internal/tokens"
	"github.com/cwlens/cwlens/internal/tools"
)

// app is the assembled runtime for one CLI invocation.
type app struct {
	cfg       *config.Config
	cw        *cloudwatch.Client
	index     *loggroups.Index
	queries   *querycache.Cache
	results   *resultcache.Cache
	sanitizer *sanitize.Sanitizer
	provider  providers.Provider
	model     string
	registry  *tools.Registry
	orch      *agent.Orchestrator

	shutdownTelemetry func(context.Context) error
}

func (a *app) close() {
	if a.queries != nil {
		a.queries.Close()
	}
	if a.results != nil {
		a.results.Close()
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdownTelemetry(ctx)
	}
}

// buildApp assembles the full stack from config. withAgent=false skips the
// LLM provider and orchestrator for cache/loggroups administration commands.
func buildApp(ctx context.Context, withAgent bool) (*app, error) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	a.shutdownTelemetry, err = telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "cwlens",
		Version:     Version,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}

	a.cw, err = cloudwatch.New(ctx, cfg.AWS.Region, cfg.AWS.Profile)
	if err != nil {
		return nil, fmt.Errorf("connect to CloudWatch: %w", err)
	}
	a.index = loggroups.NewIndex(a.cw)

	cacheDir := cfg.CacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	if cfg.Cache.QueryCacheEnabled {
		a.queries, err = querycache.Open(querycache.Config{
			Path:         filepath.Join(cacheDir, "queries.db"),
			MaxSizeBytes: cfg.Cache.QueryMaxBytes,
			MaxEntries:   cfg.Cache.QueryMaxEntries,
		})
		if err != nil {
			return nil, fmt.Errorf("open query cache: %w", err)
		}
	}

	a.results, err = resultcache.Open(resultcache.Config{
		Path:         filepath.Join(cacheDir, "results.db"),
		TTL:          time.Duration(cfg.Cache.ResultTTLSeconds) * time.Second,
		MaxSizeBytes: cfg.Cache.ResultMaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}

	a.sanitizer = sanitize.New(cfg.Sanitize.Enabled)

	a.registry = tools.NewRegistry()
	deps := &tools.Deps{CW: a.cw, Queries: a.queries, Sanitizer: a.sanitizer}
	a.registry.Register(tools.NewListLogGroupsTool(deps))
	a.registry.Register(tools.NewFetchLogsTool(deps))
	a.registry.Register(tools.NewSearchLogsTool(deps))
	a.registry.Register(tools.NewFetchChunkTool(a.results))

	if !withAgent {
		return a, nil
	}

	a.provider, a.model, err = buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	counter := tokens.NewCounter(a.model)
	policy := budget.DefaultPolicy()
	switch cfg.Agent.BudgetStrategy {
	case "history_focused":
		policy.Strategy = budget.StrategyHistoryFocused
	case "result_focused":
		policy.Strategy = budget.StrategyResultFocused
	}
	alloc := budget.NewAllocation(cfg.Agent.ContextWindow, policy)
	tracker := budget.NewTracker(counter, alloc)

	a.orch = agent.New(agent.Config{
		Provider: a.provider,
		Model:    a.model,
		Tools:    a.registry,
		Tracker:  tracker,
		Results:  a.results,
		Options: agent.Options{
			MaxToolIterations:          cfg.Agent.MaxToolIterations,
			MaxRetryAttempts:           cfg.Agent.MaxRetryAttempts,
			AutoRetryEnabled:           cfg.Agent.AutoRetryEnabled,
			IntentDetectionEnabled:     cfg.Agent.IntentDetectionEnabled,
			TimeExpansionFactor:        cfg.Agent.TimeExpansionFactor,
			EnableResultCaching:        cfg.Agent.EnableResultCaching,
			CacheLargeResultsThreshold: cfg.Agent.CacheLargeResultsThreshold,
			InitialChunkSize:           cfg.Agent.InitialChunkSize,
			EnableAutoFetchGuidance:    cfg.Agent.EnableAutoFetchGuidance,
			EnableHistoryPruning:       cfg.Agent.EnableHistoryPruning,
		},
		SystemPrompt: func() string {
			return agent.BuildSystemPrompt(agent.SystemPromptConfig{
				Model:           a.model,
				Region:          cfg.AWS.Region,
				ToolNames:       a.registry.List(),
				LogGroupSection: a.index.RenderSystemPrompt(),
				SanitizeEnabled: cfg.Sanitize.Enabled,
			})
		},
	})

	return a, nil
}

func buildProvider(cfg *config.Config) (providers.Provider, string, error) {
	switch cfg.Agent.Provider {
	case "", "anthropic":
		pc := cfg.Providers.Anthropic
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("no Anthropic API key: set CWLENS_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY")
		}
		var opts []providers.AnthropicOption
		if pc.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(pc.Model))
		}
		if pc.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(pc.APIBase))
		}
		p := providers.NewAnthropicProvider(pc.APIKey, opts...)
		model := cfg.Agent.Model
		if model == "" {
			model = p.DefaultModel()
		}
		return p, model, nil
	case "openai":
		pc := cfg.Providers.OpenAI
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("no OpenAI API key: set CWLENS_OPENAI_API_KEY or OPENAI_API_KEY")
		}
		defaultModel := pc.Model
		if defaultModel == "" {
			defaultModel = "gpt-4o"
		}
		p := providers.NewOpenAIProvider("openai", pc.APIKey, pc.APIBase, defaultModel)
		model := cfg.Agent.Model
		if model == "" {
			model = p.DefaultModel()
		}
		return p, model, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q (want anthropic or openai)", cfg.Agent.Provider)
	}
}
