// Package app wires configuration into a provider, a tool registry and the
// agent loop used by the commands.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"harness/internal/agent"
	"harness/internal/config"
	"harness/internal/db"
	"harness/internal/history"
	"harness/internal/llm"
	"harness/internal/tools"
)

// OrchestratorProfile, when configured, shapes the top-level loop.
const OrchestratorProfile = "orchestrator"

type App struct {
	Config   *config.Config
	Provider llm.Provider
	Registry *agent.Registry
	Factory  *agent.LoopFactory
	Loop     *agent.Loop
	Store    *history.Store

	database *db.DB
}

// New builds the provider, the builtin tools and the top-level loop.
func New(cfg *config.Config) (*App, error) {
	llmCfg, ok := cfg.LLMs[cfg.DefaultLLM]
	if !ok {
		return nil, fmt.Errorf("default LLM %q not found in config", cfg.DefaultLLM)
	}
	provider, err := llm.New(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("building provider: %w", err)
	}

	opts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithModel(llmCfg.Model),
		agent.WithMaxTokens(llmCfg.MaxTokens),
	}

	registry := agent.NewRegistry()
	profiles := agent.ProfilesFromConfig(cfg.Agents)
	factory := agent.NewLoopFactory(provider, registry, profiles, opts...)

	if err := tools.RegisterBuiltins(registry, tools.Options{
		BraveAPIKey: cfg.Services.Brave.APIKey,
		Factory:     factory,
	}); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	var loop *agent.Loop
	if _, ok := profiles[OrchestratorProfile]; ok {
		loop, err = factory.Build(OrchestratorProfile)
		if err != nil {
			return nil, err
		}
	} else {
		loopOpts := append([]agent.Option{}, opts...)
		if cfg.Agent.SystemPrompt != "" {
			loopOpts = append(loopOpts, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
		}
		loop = agent.NewLoop(provider, registry, loopOpts...)
	}

	slog.Debug("app ready",
		"llm", cfg.DefaultLLM,
		"provider", llmCfg.Provider,
		"tools", len(registry.All()),
		"profiles", len(profiles),
	)

	return &App{
		Config:   cfg,
		Provider: provider,
		Registry: registry,
		Factory:  factory,
		Loop:     loop,
	}, nil
}

// OpenStore opens and migrates the database and sets Store.
func (a *App) OpenStore() error {
	database, err := db.Open(a.Config.DB.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return fmt.Errorf("migrating database: %w", err)
	}
	a.database = database
	a.Store = history.NewStore(database)
	return nil
}

func (a *App) Close() error {
	if a.database == nil {
		return nil
	}
	return a.database.Close()
}

type configKey struct{}

// WithConfig stores the loaded config for sub-commands.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// ConfigFromContext returns the loaded config, or the defaults when none
// was stored.
func ConfigFromContext(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}
