// Command turnforge runs the agentic chat backend: a turn orchestrator
// wired to a message repository, a provider client, a tool registry, a
// sub-agent router, and a background context-compaction worker, all
// behind an SSE-streaming HTTP API.
//
// Grounded on cmd/nexus/main.go's cobra-root-with-JSON-slog-logging shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/turnforge/turnforge/internal/abort"
	"github.com/turnforge/turnforge/internal/bgworker"
	"github.com/turnforge/turnforge/internal/bisect"
	"github.com/turnforge/turnforge/internal/metrics"
	"github.com/turnforge/turnforge/internal/provider"
	"github.com/turnforge/turnforge/internal/review"
	"github.com/turnforge/turnforge/internal/settings"
	"github.com/turnforge/turnforge/internal/storage"
	"github.com/turnforge/turnforge/internal/subagent"
	"github.com/turnforge/turnforge/internal/toolexec"
	"github.com/turnforge/turnforge/internal/tracing"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "turnforge",
		Short:         "Agentic chat orchestration service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildWorkerCmd())
	return root
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger()

	cfg, err := LoadAppConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	tracer, shutdownTracing := tracing.New(tracing.Config{
		ServiceName:    "turnforge",
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no provider credentials configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS credentials, or GOOGLE_API_KEY")
	}

	tools := toolexec.NewRegistry()

	stateRoot, err := subagent.StateRoot(cfg.SubAgentRouterStateRoot)
	if err != nil {
		return fmt.Errorf("resolve sub-agent state root: %w", err)
	}
	catalog, err := subagent.LoadCatalog(stateRoot)
	if err != nil {
		return fmt.Errorf("load sub-agent catalog: %w", err)
	}
	jobLog := subagent.NewJobLog(nil, nil)
	cancels := subagent.NewCancelFlags()
	aiRunner := subagent.NewNestedAIRunner(defaultProviderFrom(providers), tools, 4)
	subExecutor := subagent.NewExecutor(".", jobLog, cancels, aiRunner)
	registerSubAgentTool(tools, catalog, stateRoot, subExecutor, nil)

	bootstrapDefaults, err := settings.LoadBootstrapDefaults(cfg.SettingsBootstrapFile)
	if err != nil {
		return fmt.Errorf("load settings bootstrap file: %w", err)
	}

	app := &App{
		Repo:        repo,
		Providers:   providers,
		Tools:       tools,
		Aborts:      abort.New(),
		Reviews:     review.New(),
		Settings:    settings.NewResolver(settings.EnvDefaults(bootstrapDefaults)),
		Metrics:     metrics.New(prometheus.DefaultRegisterer),
		Tracer:      tracer,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
	}

	if cfg.BackgroundWorker.MaxSessionsPerTick > 0 {
		worker := bgworker.New(
			bgworker.Config{
				PollInterval:       cfg.BackgroundWorker.PollInterval,
				MaxSessionsPerTick: cfg.BackgroundWorker.MaxSessionsPerTick,
				AlignTo:            cfg.BackgroundWorker.AlignTo,
				Logger:             logger,
			},
			repo,
			staticJobConfigResolver{cfg: bgworker.JobConfig{Enabled: true}},
			&bgworker.RepositoryCompactor{
				Repo:   repo,
				Client: summaryClientFrom(defaultProviderFrom(providers)),
				Config: bisect.DefaultConfig(),
			},
		)
		workerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		worker.Start(workerCtx)
		defer worker.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: app.Routes()}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		serveErr <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the repository schema to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadAppConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func buildWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background summary-compaction worker standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadAppConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *AppConfig) error {
	logger := newLogger()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no provider credentials configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS credentials, or GOOGLE_API_KEY")
	}

	worker := bgworker.New(
		bgworker.Config{
			PollInterval:       cfg.BackgroundWorker.PollInterval,
			MaxSessionsPerTick: cfg.BackgroundWorker.MaxSessionsPerTick,
			AlignTo:            cfg.BackgroundWorker.AlignTo,
			Logger:             logger,
		},
		repo,
		staticJobConfigResolver{cfg: bgworker.JobConfig{Enabled: true}},
		&bgworker.RepositoryCompactor{
			Repo:   repo,
			Client: summaryClientFrom(defaultProviderFrom(providers)),
			Config: bisect.DefaultConfig(),
		},
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.Start(sigCtx)
	logger.Info("background summary worker started", "poll_interval", cfg.BackgroundWorker.PollInterval)
	<-sigCtx.Done()
	worker.Stop()
	logger.Info("background summary worker stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *AppConfig) (storage.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return storage.NewPostgresRepositoryFromDSN(cfg.Database.URL, storage.DefaultPostgresConfig())
	case "sqlite":
		return storage.NewSQLiteRepository(ctx, cfg.Database.URL)
	case "memory", "":
		return storage.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildProviders(ctx context.Context, cfg *AppConfig) (map[string]provider.Client, error) {
	providers := make(map[string]provider.Client)
	if cfg.Providers.AnthropicAPIKey != "" {
		client, err := provider.NewAnthropicClient(provider.AnthropicConfig{
			APIKey:       cfg.Providers.AnthropicAPIKey,
			DefaultModel: cfg.Providers.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		providers["anthropic"] = client
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		client, err := provider.NewOpenAIClient(provider.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAIAPIKey,
			BaseURL: cfg.Providers.OpenAIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		providers["openai"] = client
	}
	if cfg.Providers.BedrockAccessKeyID != "" || cfg.Providers.BedrockRegion != "" {
		client, err := provider.NewBedrockClient(ctx, provider.BedrockConfig{
			Region:          cfg.Providers.BedrockRegion,
			AccessKeyID:     cfg.Providers.BedrockAccessKeyID,
			SecretAccessKey: cfg.Providers.BedrockSecretKey,
			DefaultModel:    cfg.Providers.BedrockDefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock client: %w", err)
		}
		providers["bedrock"] = client
	}
	if cfg.Providers.GeminiAPIKey != "" {
		client, err := provider.NewGeminiClient(ctx, provider.GeminiConfig{
			APIKey:       cfg.Providers.GeminiAPIKey,
			DefaultModel: cfg.Providers.GeminiDefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		providers["gemini"] = client
	}
	return providers, nil
}

func defaultProviderFrom(providers map[string]provider.Client) provider.Client {
	if c, ok := providers["anthropic"]; ok {
		return c
	}
	for _, c := range providers {
		return c
	}
	return nil
}

// summaryClientFrom narrows a provider.Client to bisect.SummaryLlmClient,
// which the Anthropic, OpenAI, Bedrock and Gemini clients all satisfy via
// provider.Summarize.
func summaryClientFrom(client provider.Client) bisect.SummaryLlmClient {
	if sc, ok := client.(bisect.SummaryLlmClient); ok {
		return sc
	}
	return nil
}
