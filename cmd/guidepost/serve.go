package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/guidepost-ai/guidepost/internal/config"
	"github.com/guidepost-ai/guidepost/internal/controller"
	"github.com/guidepost-ai/guidepost/internal/engine"
	"github.com/guidepost-ai/guidepost/internal/eventlog"
	"github.com/guidepost-ai/guidepost/internal/gateway"
	"github.com/guidepost-ai/guidepost/internal/glossary"
	"github.com/guidepost-ai/guidepost/internal/infra"
	"github.com/guidepost-ai/guidepost/internal/llm"
	"github.com/guidepost-ai/guidepost/internal/observability"
	"github.com/guidepost-ai/guidepost/internal/store"
	"github.com/guidepost-ai/guidepost/internal/toolservice"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guidepost server",
		Long: `Start the guidepost server.

The server loads agent, guideline, and glossary definitions, connects the
configured tool services, and exposes the session API over HTTP. Graceful
shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  guidepost serve

  # Start with custom config
  guidepost serve --config /etc/guidepost/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "guidepost.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "guidepost",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		EnableInsecure: cfg.Observability.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	mem := store.NewMemory()
	log := eventlog.New(logger)

	var terms *glossary.Store
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		embed := chromem.NewEmbeddingFuncOpenAI(key, chromem.EmbeddingModelOpenAI(cfg.Glossary.EmbeddingModel))
		terms, err = glossary.NewStore(embed, logger)
		if err != nil {
			return fmt.Errorf("glossary store: %w", err)
		}
	} else {
		logger.Warn("no openai api key configured, glossary retrieval disabled")
	}

	if cfg.Storage.Backend == "sqlite" {
		docs, err := store.OpenDocumentDB(cfg.Storage.Path, logger)
		if err != nil {
			return err
		}
		defer docs.Close()
		if err := loadDefinitions(ctx, docs, mem, terms, logger); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	schematic := llm.NewSchematic(provider, llm.SchematicConfig{
		Pool:   infra.NewPool(cfg.Pools.LLMConcurrency),
		Logger: logger,
	})

	registry := toolservice.NewRegistry(logger)
	registry.RegisterService(toolservice.LocalServiceName, toolservice.NewLocalService())
	if err := connectToolServices(ctx, cfg, registry, logger); err != nil {
		return err
	}
	executor := toolservice.NewExecutor(registry, toolservice.ExecutorConfig{
		Pool: infra.NewPool(cfg.Pools.ToolConcurrency),
	}, logger)

	engineDeps := engine.Deps{
		Stores:   mem.Bundle(),
		Log:      log,
		Registry: registry,
		Proposer: engine.NewProposer(schematic, engine.ProposerConfig{
			Threshold: cfg.Engine.PropositionThreshold,
			BatchSize: cfg.Engine.ProposerBatchSize,
			Logger:    logger,
		}),
		Expander:   engine.NewExpander(mem, logger),
		ToolCaller: engine.NewToolCaller(schematic, executor, logger),
		Generator:  engine.NewMessageGenerator(schematic, logger),
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	}
	if terms != nil {
		engineDeps.Terms = terms
	}
	eng := engine.New(engineDeps)

	ctrl := controller.New(mem.Bundle(), log, eng, eng.Inspections(), controller.Config{
		CancelGrace: cfg.Engine.CancelGrace,
		Metrics:     metrics,
		Logger:      logger,
	})
	defer ctrl.Close()

	var moderator gateway.Moderator
	if cfg.Moderation.Enabled {
		if key := cfg.Providers.OpenAI.APIKey; key != "" {
			moderator = gateway.NewOpenAIModerator(openai.NewClient(key), cfg.Moderation.Model, logger)
		} else {
			logger.Warn("moderation enabled but no openai api key configured")
		}
	}

	server := gateway.New(ctrl, gateway.Config{
		Addr:      cfg.Server.Addr(),
		Moderator: moderator,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err := server.Start(ctx); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.Providers.Default {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.Model,
		})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.Model,
		})
	default:
		return nil, fmt.Errorf("providers.default %q is not supported", cfg.Providers.Default)
	}
}

// connectToolServices registers the configured OpenAPI and plugin services.
func connectToolServices(ctx context.Context, cfg *config.Config, registry *toolservice.Registry, logger *slog.Logger) error {
	for _, svc := range cfg.ToolServices {
		switch svc.Kind {
		case "openapi":
			spec, err := os.ReadFile(svc.SpecPath)
			if err != nil {
				return fmt.Errorf("tool service %s: %w", svc.Name, err)
			}
			api, err := toolservice.NewOpenAPIService(spec, svc.BaseURL, nil)
			if err != nil {
				return fmt.Errorf("tool service %s: %w", svc.Name, err)
			}
			registry.RegisterService(svc.Name, api)
		case "plugin":
			transport := toolservice.NewStdioTransport(toolservice.StdioConfig{
				Command: svc.Command[0],
				Args:    svc.Command[1:],
			}, logger)
			plugin := toolservice.NewPluginService(transport, logger)
			if err := plugin.Start(ctx); err != nil {
				return fmt.Errorf("tool service %s: %w", svc.Name, err)
			}
			registry.RegisterService(svc.Name, plugin)
		}
		logger.Info("tool service registered", "name", svc.Name, "kind", svc.Kind)
	}
	return nil
}

// loadDefinitions reads agent, guideline, and glossary definitions from the
// document database into the runtime stores.
func loadDefinitions(ctx context.Context, docs *store.DocumentDB, mem *store.Memory, terms *glossary.Store, logger *slog.Logger) error {
	load := func(collection string, each func(json.RawMessage) error) error {
		col, err := docs.Collection(ctx, collection, store.CollectionOptions{Version: 1})
		if err != nil {
			return fmt.Errorf("collection %s: %w", collection, err)
		}
		raws, err := col.Find(ctx, nil)
		if err != nil {
			return fmt.Errorf("collection %s: %w", collection, err)
		}
		for _, raw := range raws {
			if err := each(raw); err != nil {
				return fmt.Errorf("collection %s: %w", collection, err)
			}
		}
		if len(raws) > 0 {
			logger.Info("definitions loaded", "collection", collection, "count", len(raws))
		}
		return nil
	}

	if err := load("agents", func(raw json.RawMessage) error {
		var agent models.Agent
		if err := json.Unmarshal(raw, &agent); err != nil {
			return err
		}
		return mem.CreateAgent(ctx, &agent)
	}); err != nil {
		return err
	}
	if err := load("customers", func(raw json.RawMessage) error {
		var customer models.Customer
		if err := json.Unmarshal(raw, &customer); err != nil {
			return err
		}
		return mem.CreateCustomer(ctx, &customer)
	}); err != nil {
		return err
	}
	if err := load("guidelines", func(raw json.RawMessage) error {
		var g models.Guideline
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		return mem.CreateGuideline(ctx, &g)
	}); err != nil {
		return err
	}
	if err := load("connections", func(raw json.RawMessage) error {
		var c models.GuidelineConnection
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		return mem.CreateConnection(ctx, &c)
	}); err != nil {
		return err
	}
	if err := load("associations", func(raw json.RawMessage) error {
		var a models.GuidelineToolAssociation
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		return mem.CreateAssociation(ctx, &a)
	}); err != nil {
		return err
	}
	if err := load("variables", func(raw json.RawMessage) error {
		var v models.ContextVariable
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		return mem.CreateVariable(ctx, &v)
	}); err != nil {
		return err
	}
	if err := load("variable_values", func(raw json.RawMessage) error {
		var v models.ContextVariableValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		return mem.WriteValue(ctx, &v)
	}); err != nil {
		return err
	}
	if terms == nil {
		return nil
	}
	return load("terms", func(raw json.RawMessage) error {
		var term models.Term
		if err := json.Unmarshal(raw, &term); err != nil {
			return err
		}
		return terms.AddTerm(ctx, &term)
	})
}
