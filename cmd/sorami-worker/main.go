// Command sorami-worker runs the model-fit job worker as a standalone
// process, for deployments that scale workers independently of the API.
// Set SORAMI_WORKER_ENABLED=false on the API process when using it.
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

	"github.com/joho/godotenv"

	"github.com/sorami-ai/sorami/internal/config"
	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/service/engine"
	"github.com/sorami-ai/sorami/internal/storage"
	"github.com/sorami-ai/sorami/internal/telemetry"
	"github.com/sorami-ai/sorami/internal/worker"
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
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sorami-worker starting", "version", version, "concurrency", cfg.WorkerConcurrency)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-worker", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// The worker publishes progress via pg_notify on the pool connection;
	// it never listens, so no notify DSN is needed.
	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)
	db.RegisterPoolMetrics()

	store, err := objstore.New(cfg.ObjStoreEndpoint, cfg.ObjStoreAccessKey, cfg.ObjStoreSecretKey, cfg.ObjStoreBucket, cfg.ObjStoreUseSSL)
	if err != nil {
		return fmt.Errorf("objstore: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("objstore ping: %w", err)
	}

	newEngine := newEngineFactory(cfg, logger)

	wrk := worker.New(db, store, newEngine, logger, worker.Config{
		PollInterval: cfg.WorkerPoll,
		Concurrency:  cfg.WorkerConcurrency,
		MaxAttempts:  cfg.RunMaxAttempts,
		RunTimeout:   cfg.RunTimeout,
	})
	wrk.Start(ctx)

	<-ctx.Done()

	slog.Info("sorami-worker shutting down")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	wrk.Drain(drainCtx)
	drainCancel()

	slog.Info("sorami-worker stopped")
	return nil
}

// newEngineFactory mirrors the API process's engine selection.
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
