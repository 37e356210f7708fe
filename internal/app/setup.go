package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/parleyline/parley/internal/agent"
	"github.com/parleyline/parley/internal/checkpoint"
	"github.com/parleyline/parley/internal/config"
	"github.com/parleyline/parley/internal/database"
	"github.com/parleyline/parley/internal/embed"
	"github.com/parleyline/parley/internal/knowledge"
	logpkg "github.com/parleyline/parley/internal/log"
	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/observability"
	"github.com/parleyline/parley/internal/settings"
	"github.com/parleyline/parley/internal/thread"
	"github.com/parleyline/parley/internal/tool"
)

// backfillInterval is how often the background loop retries messages stored
// without embeddings.
const backfillInterval = 5 * time.Minute

// backfillBatch bounds one backfill pass.
const backfillBatch = 50

// Setup builds the application graph. On failure, everything already
// initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger logpkg.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = logpkg.New(logpkg.Config{})
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing first so Genkit's TracerProvider has the exporter attached
	// before any instrumented call runs.
	otelShutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = otelShutdown

	if err := database.Migrate(cfg.ConnString()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.Pool = pool

	g, err := initGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := lookupEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	provider, err := embed.NewGenkitProvider(embed.GenkitConfig{
		Embedder:    embedder,
		Dimensions:  cfg.Retrieval.EmbeddingDimensions,
		Concurrency: int64(cfg.ProviderConcurrency),
		RateLimit:   cfg.ProviderRateLimit,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	if a.Threads, err = thread.NewStore(pool, logger); err != nil {
		return nil, fmt.Errorf("creating thread store: %w", err)
	}
	if a.Messages, err = memory.NewStore(pool, provider, logger); err != nil {
		return nil, fmt.Errorf("creating message store: %w", err)
	}
	if a.Knowledge, err = knowledge.NewStore(pool, provider, logger); err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}
	if a.Settings, err = settings.NewStore(pool, cfg.Retrieval, logger); err != nil {
		return nil, fmt.Errorf("creating settings store: %w", err)
	}
	if a.Checkpoints, err = checkpoint.NewStore(pool, logger); err != nil {
		return nil, fmt.Errorf("creating checkpoint store: %w", err)
	}

	a.Guardrails, err = defaultGuardrails()
	if err != nil {
		return nil, fmt.Errorf("registering guardrails: %w", err)
	}

	a.Tools = tool.NewRegistry(logger)
	if err := registerBuiltinTools(a.Tools, a.Messages, a.Knowledge, a.Settings); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	model, err := agent.NewGenkitModel(agent.GenkitModelConfig{
		Genkit:      g,
		ModelName:   cfg.ModelName,
		Concurrency: int64(cfg.ProviderConcurrency),
		RateLimit:   cfg.ProviderRateLimit,
		Logger:      logger,
	}, a.Tools.Tools())
	if err != nil {
		return nil, fmt.Errorf("creating model adapter: %w", err)
	}

	retry := agent.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxModelRetries
	a.Orchestrator, err = agent.New(agent.Config{
		Threads:          a.Threads,
		Messages:         a.Messages,
		Knowledge:        a.Knowledge,
		Settings:         a.Settings,
		Checkpoints:      a.Checkpoints,
		Guardrails:       a.Guardrails,
		Tools:            a.Tools,
		Model:            model,
		MaxToolRounds:    cfg.MaxToolRounds,
		MaxContextTokens: cfg.MaxContextTokens,
		Retry:            retry,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.backfillLoop(bgCtx)

	return a, nil
}

// initGenkit initializes Genkit with the configured AI provider plugin.
func initGenkit(ctx context.Context, cfg *config.Config, logger logpkg.Logger) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no auto-discovery; models and embedders are
		// registered explicitly.
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.ModelName, "host", cfg.OllamaHost)
		return g, nil

	case config.ProviderOpenAI:
		g := genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.ModelName)
		return g, nil

	default: // gemini
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.ModelName)
		return g, nil
	}
}

// lookupEmbedder resolves the embedder registered by the provider plugin.
func lookupEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Ollama embedders are keyed by server address.
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // gemini
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// backfillLoop periodically retries embedding messages stored with a null
// vector after a provider outage. Each pass is bounded; a failing provider
// just means the next tick tries again.
func (a *App) backfillLoop(ctx context.Context) {
	ticker := time.NewTicker(backfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Messages.Backfill(ctx, backfillBatch)
			if err != nil {
				a.Logger.Warn("embedding backfill pass failed", "error", err)
				continue
			}
			if n > 0 {
				a.Logger.Info("backfilled message embeddings", "count", n)
			}
		}
	}
}
