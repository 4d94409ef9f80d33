package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wopr-bot/wopr/internal/config"
	"github.com/wopr-bot/wopr/internal/events"
	"github.com/wopr-bot/wopr/internal/intent"
	"github.com/wopr-bot/wopr/internal/llm"
	"github.com/wopr-bot/wopr/internal/memory"
	"github.com/wopr-bot/wopr/internal/oracle"
	"github.com/wopr-bot/wopr/internal/pipeline"
	"github.com/wopr-bot/wopr/internal/router"
	"github.com/wopr-bot/wopr/internal/sandbox"
	"github.com/wopr-bot/wopr/internal/store"
	"github.com/wopr-bot/wopr/internal/tools"
	"github.com/wopr-bot/wopr/internal/usage"
)

// app is the wired runtime shared by serve and ask.
type app struct {
	bus       *events.Bus
	providers map[string]llm.Client
	router    *router.Router
	runner    *sandbox.DockerRunner
	store     *store.SQLiteStore
	usage     *usage.Store
	handler   *pipeline.Handler
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	logger.Info("store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	ledger, err := usage.New(st.DB(), cfg.Models.Pricing)
	if err != nil {
		st.Close()
		return nil, err
	}

	client, providers := newLLMClient(cfg, logger)
	rtr := router.NewRouter(logger.With("component", "router"), routerConfig(cfg))
	orc := oracle.New(client, rtr, oracle.Config{
		MaxAttempts:     cfg.Oracle.MaxAttempts,
		BaseDelay:       cfg.Oracle.BaseDelay,
		CallTimeout:     cfg.Oracle.CallTimeout,
		Temperature:     cfg.Models.Temperature,
		SummaryInputCap: cfg.Compaction.SummaryInputCap,
	}, logger.With("component", "oracle"))
	orc.SetUsage(ledger)

	registry := intent.NewRegistry(intent.Defaults())
	runner := sandbox.NewDockerRunner(sandbox.Config{
		Binary:         cfg.Sandbox.Binary,
		Image:          cfg.Sandbox.Image,
		Timeout:        cfg.Sandbox.Timeout,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		Logger:         logger.With("component", "sandbox"),
	})
	bus := events.New()

	handler := pipeline.New(pipeline.Deps{
		Store:      st,
		Oracle:     orc,
		Classifier: intent.NewClassifier(orc, registry, cfg.Models.ClassifyTemperature, logger.With("component", "classifier")),
		Engine: &tools.Engine{
			Runner:    runner,
			Knowledge: st,
			Oracle:    orc,
			Logger:    logger.With("component", "tools"),
		},
		Registry:    registry,
		Compactor:   memory.NewCompactor(cfg.Compaction.Threshold, cfg.Compaction.Budget, logger),
		Bus:         bus,
		Logger:      logger,
		StreamChunk: cfg.Oracle.StreamChunk,
	})

	return &app{
		bus:       bus,
		providers: providers,
		router:    rtr,
		runner:    runner,
		store:     st,
		usage:     ledger,
		handler:   handler,
	}, nil
}

// Close releases the store.
func (a *app) Close() error {
	return a.store.Close()
}

// newLLMClient creates one client per provider referenced by the
// configured models and routes each model to its provider. Models
// missing from models.available go to the provider of the exact model.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, map[string]llm.Client) {
	providers := make(map[string]llm.Client)
	add := func(name string) llm.Client {
		if c, ok := providers[name]; ok {
			return c
		}
		var c llm.Client
		switch name {
		case "anthropic":
			c = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		case "openai":
			c = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		default:
			c = llm.NewOllamaClient(cfg.Ollama.URL, logger)
		}
		providers[name] = c
		return c
	}

	fallbackProvider := "ollama"
	for _, m := range cfg.Models.Available {
		add(m.Provider)
		if m.Name == cfg.Models.Exact {
			fallbackProvider = m.Provider
		}
	}
	multi := llm.NewMultiClient(add(fallbackProvider))
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi, providers
}

// routerConfig maps the configured models to router candidates.
// Tiers were checked by Validate.
func routerConfig(cfg *config.Config) router.Config {
	rc := router.Config{
		Exact:      cfg.Models.Exact,
		Fast:       cfg.Models.Fast,
		LocalFirst: cfg.Models.LocalFirst,
	}
	for _, m := range cfg.Models.Available {
		tier, err := router.ParseTier(m.Tier)
		if err != nil {
			continue
		}
		rc.Models = append(rc.Models, router.Model{
			Name:          m.Name,
			Provider:      m.Provider,
			Tier:          tier,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
			CostTier:      m.CostTier,
		})
	}
	return rc
}
