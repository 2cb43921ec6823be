package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sorami-ai/sorami/api"
	"github.com/sorami-ai/sorami/internal/auth"
	"github.com/sorami-ai/sorami/internal/config"
	"github.com/sorami-ai/sorami/internal/mcp"
	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/server"
	"github.com/sorami-ai/sorami/internal/service/engine"
	"github.com/sorami-ai/sorami/internal/storage"
	"github.com/sorami-ai/sorami/internal/telemetry"
	"github.com/sorami-ai/sorami/internal/worker"
	"github.com/sorami-ai/sorami/migrations"
	"github.com/sorami-ai/sorami/ui"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SORAMI_LOG_LEVEL") == "debug" {
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
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sorami starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database. The notify connection feeds the SSE broker.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Connect to object storage and make sure the bucket exists.
	store, err := objstore.New(cfg.ObjStoreEndpoint, cfg.ObjStoreAccessKey, cfg.ObjStoreSecretKey, cfg.ObjStoreBucket, cfg.ObjStoreUseSSL)
	if err != nil {
		return fmt.Errorf("objstore: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("objstore ensure bucket: %w", err)
	}

	// Create JWT manager. With no key paths configured it generates an
	// ephemeral keypair, which only makes sense for local development.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("no JWT key configured, using ephemeral keypair (tokens won't survive restarts)")
	}

	// Pick the model engine.
	newEngine := newEngineFactory(cfg, logger)

	// SSE broker forwards run progress notifications to connected clients.
	broker := server.NewBroker(db, logger)
	go broker.Start(ctx)

	// In-process worker (disable to run workers as separate processes).
	var wrk *worker.Worker
	if cfg.WorkerEnabled {
		wrk = worker.New(db, store, newEngine, logger, worker.Config{
			PollInterval: cfg.WorkerPoll,
			Concurrency:  cfg.WorkerConcurrency,
			MaxAttempts:  cfg.RunMaxAttempts,
			RunTimeout:   cfg.RunTimeout,
		})
		wrk.Start(ctx)
		logger.Info("worker: enabled", "concurrency", cfg.WorkerConcurrency)
	} else {
		logger.Info("worker: disabled (run sorami-worker separately)")
	}

	// Create MCP server (mounted at /mcp by the HTTP server).
	mcpSrv := mcp.New(db, logger, version)

	// Load embedded UI filesystem (non-nil only when built with -tags ui).
	uiFS, err := ui.DistFS()
	if err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded SPA loaded")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Store:               store,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		RunMaxAttempts:      cfg.RunMaxAttempts,
		UIFS:                uiFS,
		OpenAPISpec:         api.OpenAPISpec,
	})

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

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases. Order: (1) stop
	// accepting new HTTP requests and drain in-flight, (2) let running
	// model fits finish or requeue.
	slog.Info("sorami shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if wrk != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		wrk.Drain(drainCtx)
		drainCancel()
	}

	slog.Info("sorami stopped")
	return nil
}

// newEngineFactory picks the model engine based on configuration.
// Engine selection: "http", "synthetic", or "auto" (default). Auto mode
// uses the sidecar if it responds to a health probe, else synthetic.
// The sidecar is preferred: it runs the real Bayesian sampler, while the
// synthetic engine produces deterministic fits for dev and CI.
func newEngineFactory(cfg config.Config, logger *slog.Logger) engine.Factory {
	switch cfg.Engine {
	case "http":
		logger.Info("engine: http", "url", cfg.EngineURL)
		return func(rc model.RunConfig) engine.Engine {
			return engine.NewHTTPEngine(cfg.EngineURL, rc)
		}

	case "synthetic":
		logger.Info("engine: synthetic")
		return func(rc model.RunConfig) engine.Engine {
			return engine.NewSynthetic(rc)
		}

	case "auto":
		fallthrough
	default:
		if sidecarReachable(cfg.EngineURL) {
			logger.Info("engine: http (auto-detected)", "url", cfg.EngineURL)
			return func(rc model.RunConfig) engine.Engine {
				return engine.NewHTTPEngine(cfg.EngineURL, rc)
			}
		}
		logger.Warn("modeling sidecar unreachable, using synthetic engine", "url", cfg.EngineURL)
		return func(rc model.RunConfig) engine.Engine {
			return engine.NewSynthetic(rc)
		}
	}
}

// sidecarReachable checks if the modeling sidecar is responding.
func sidecarReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
