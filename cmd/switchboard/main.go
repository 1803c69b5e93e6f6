package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/switchboardhq/switchboard/internal/anomaly"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/embedding"
	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/firewall"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/policy"
	"github.com/switchboardhq/switchboard/internal/proxy"
	"github.com/switchboardhq/switchboard/internal/ratelimit"
	"github.com/switchboardhq/switchboard/internal/recorder"
	"github.com/switchboardhq/switchboard/internal/sandbox"
	"github.com/switchboardhq/switchboard/internal/semcache"
	"github.com/switchboardhq/switchboard/internal/server"
	"github.com/switchboardhq/switchboard/internal/storage"
	"github.com/switchboardhq/switchboard/internal/telemetry"
	"github.com/switchboardhq/switchboard/internal/traffic"
	"github.com/switchboardhq/switchboard/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env if present (dev convenience; production uses real env).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize OpenTelemetry (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset).
	telShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := telShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// Durable store: traces, cache rows, anomalies, agent directory.
	db, err := storage.New(ctx, cfg.TimescaleURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// Forward-only migrations, tracked in schema_migrations. Non-fatal so an
	// already-provisioned database with a stricter role still boots.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		logger.Warn("migrations failed", "error", err)
	}

	// KV store: locks, counters, cache index, pub/sub.
	store, err := kv.New(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Embedding provider gates traffic on readiness; an unready provider
	// degrades to exact-hash-only caching rather than blocking startup.
	embedder := newEmbeddingProvider(cfg, logger)
	readyCtx, readyCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := embedder.Ready(readyCtx); err != nil {
		logger.Warn("embedding provider not ready, falling back to noop", "error", err)
		embedder = embedding.NewNoopProvider(embedder.Dimensions())
	}
	readyCancel()

	// Policy loader: file snapshot plus KV pub/sub mirror, hot-reloaded.
	loader := policy.NewLoader(store, logger, cfg.PoliciesConfigPath)
	if err := loader.Load(); err != nil {
		logger.Warn("policy load failed, using defaults", "error", err)
	}
	go func() {
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("policy watch stopped", "error", err)
		}
	}()

	waf, err := firewall.NewRuleSet(firewall.DefaultRules())
	if err != nil {
		return err
	}
	fw := firewall.New(loader, waf, firewall.Options{
		BlockDestructive: cfg.FirewallBlockDestructive,
		BlockPII:         cfg.FirewallBlockPII,
		ShadowMode:       cfg.ShadowMode,
		MaxLatencyMs:     cfg.FirewallMaxLatencyMs,
	}, logger)

	controller := traffic.NewController(store, logger,
		time.Duration(cfg.LockTTLSeconds)*time.Second, cfg.MaxQueueDepth, cfg.EmergencyStopEnabled)

	cache := semcache.New(store, db, embedder, logger,
		time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheSimilarityThreshold)

	rec := recorder.New(db, store, logger, cfg.RecorderBatchSize, cfg.RecorderFlushInterval)
	rec.Start(ctx)

	// WASM worker sandbox. Workers register over the lifetime of the process;
	// an empty runner is a pass-through.
	runner, err := sandbox.NewRunner(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()

	fanout := events.NewFanout(logger)
	ws := events.NewWSHandler(fanout, logger)
	rec.AttachFanout(fanout)

	forwarder := proxy.NewForwarder(proxy.Upstreams{
		OpenAI:    cfg.UpstreamOpenAI,
		Anthropic: cfg.UpstreamAnthropic,
		Google:    cfg.UpstreamGoogle,
	}, nil)

	proxyHandler := proxy.NewHandler(proxy.Deps{
		Directory:   db,
		Firewall:    fw,
		Traffic:     controller,
		Cache:       cache,
		Recorder:    rec,
		Sandbox:     runner,
		Fanout:      fanout,
		Forwarder:   forwarder,
		Rate:        ratelimit.NewTracker(store, logger, 0),
		Logger:      logger,
		MaxBodySize: cfg.MaxRequestBodyBytes,
	})

	handlers := server.NewHandlers(server.HandlersDeps{
		DB:       db,
		KV:       store,
		Loader:   loader,
		WAF:      waf,
		Traffic:  controller,
		Fanout:   fanout,
		Recorder: rec,
		Logger:   logger,
	})

	srv := server.New(server.ServerConfig{
		Handlers:     handlers,
		Proxy:        proxyHandler,
		Events:       ws,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Seed a demo organization so a fresh stack accepts traffic immediately.
	seedDemoOrg(ctx, db, logger)

	// Anomaly detector scans on its own cadence until shutdown.
	detector := anomaly.New(db, fanout, logger, cfg.AnomalyScanInterval)
	go detector.Start(ctx)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown, each phase on its own timeout. Order: (1) stop
	// accepting proxied requests and drain in-flight ones (they may still
	// append to the recorder), (2) flush the recorder buffer to Timescale,
	// (3) close the event channels.
	slog.Info("switchboard shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	rec.Drain(drainCtx)
	drainCancel()

	fanout.Shutdown()

	slog.Info("switchboard stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "openai", "ollama", or "noop" (default). Noop keeps the
// exact-hash cache path working without any external embedding service.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	const dims = model.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	default:
		logger.Info("embedding provider: noop (exact-hash cache only)")
		return embedding.NewNoopProvider(dims)
	}
}

// seedDemoOrg creates the demo organization on first boot. Best-effort: a
// failure only means requests need a manually provisioned token.
func seedDemoOrg(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	const demoToken = "demo_token_abc123"

	if _, err := db.GetOrganizationByToken(ctx, demoToken); err == nil {
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("demo org lookup failed", "error", err)
		return
	}

	org, err := db.CreateOrganization(ctx, model.Organization{
		Name:        "Demo Organization",
		APIToken:    demoToken,
		DailyBudget: 100,
		IsActive:    true,
	})
	if err != nil {
		logger.Warn("demo org seed failed", "error", err)
		return
	}
	logger.Info("demo org seeded", "org_id", org.ID)
}
