// Package sorami lets Go programs embed a complete Sorami server —
// HTTP API, SSE progress streaming, MCP endpoint, and the model-fit
// worker — inside their own process instead of running the sorami
// binary separately.
//
// Minimal usage:
//
//	app, err := sorami.New(ctx,
//		sorami.WithDatabaseURL(dsn),
//		sorami.WithSyntheticEngine(),
//	)
//	if err != nil { ... }
//	defer app.Shutdown(context.Background())
//	if err := app.Run(ctx); err != nil { ... }
//
// Configuration is read from the environment exactly as the sorami
// binary reads it (SORAMI_* variables, optional .env file); options
// override individual fields. Extension points let the host register
// extra routes and middlewares on the shared mux and append its own
// SQL migrations.
package sorami

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
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

// App is an embedded Sorami server. Create with New, start with Run,
// stop with Shutdown. All methods are safe for the lifecycle
// New → Run → Shutdown; Run may be skipped when the host only wants
// Handler() mounted on its own server.
type App struct {
	cfg          config.Config
	db           *storage.DB
	store        *objstore.Client
	jwtMgr       *auth.JWTManager
	broker       *server.Broker
	wrk          *worker.Worker
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires up all components: telemetry, Postgres (with migrations),
// object storage, JWT auth, the model engine, SSE broker, worker, MCP
// server, and the HTTP server. Nothing is started; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	var o resolvedOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.engine != "" {
		cfg.Engine = o.engine
	}
	if o.engineURL != "" {
		cfg.EngineURL = o.engineURL
	}
	if o.workerDisabled {
		cfg.WorkerEnabled = false
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "embedded"
	}

	app := &App{cfg: cfg, logger: logger, version: version}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	app.otelShutdown = otelShutdown

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	app.db = db
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			app.cleanup(ctx)
			return nil, fmt.Errorf("extra migrations: %w", err)
		}
	}

	store, err := objstore.New(cfg.ObjStoreEndpoint, cfg.ObjStoreAccessKey, cfg.ObjStoreSecretKey, cfg.ObjStoreBucket, cfg.ObjStoreUseSSL)
	if err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("objstore: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("objstore ensure bucket: %w", err)
	}
	app.store = store

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("no JWT key configured, using ephemeral keypair (tokens won't survive restarts)")
	}
	app.jwtMgr = jwtMgr

	newEngine := app.newEngineFactory()

	app.broker = server.NewBroker(db, logger)

	if cfg.WorkerEnabled {
		app.wrk = worker.New(db, store, newEngine, logger, worker.Config{
			PollInterval: cfg.WorkerPoll,
			Concurrency:  cfg.WorkerConcurrency,
			MaxAttempts:  cfg.RunMaxAttempts,
			RunTimeout:   cfg.RunTimeout,
		})
	}

	mcpSrv := mcp.New(db, logger, version)

	uiFS, err := ui.DistFS()
	if err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("ui: %w", err)
	}

	extraRoutes := make([]func(mux *http.ServeMux), 0, len(o.routeRegistrars))
	for _, rr := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, rr)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	app.srv = server.New(server.ServerConfig{
		DB:                  db,
		Store:               store,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              app.broker,
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
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return app, nil
}

// Run starts the broker, worker, and HTTP server, then blocks until ctx
// is cancelled or the server fails. On return the App has been shut
// down; a second Run is not supported.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)

	if a.wrk != nil {
		a.wrk.Start(ctx)
		a.logger.Info("worker: enabled", "concurrency", a.cfg.WorkerConcurrency)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the App gracefully. Each phase gets its own timeout so
// early completion doesn't steal budget from later phases: (1) stop
// accepting new HTTP requests and drain in-flight, (2) let running
// model fits finish or requeue, (3) flush telemetry, (4) close the
// database. Safe to call after a failed New.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error

	if a.srv != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
		cancel()
	}

	if a.wrk != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		a.wrk.Drain(drainCtx)
		cancel()
	}

	a.cleanup(ctx)
	return firstErr
}

// cleanup releases resources acquired so far, in reverse order. Used
// both by Shutdown and by New's error paths.
func (a *App) cleanup(ctx context.Context) {
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
		a.otelShutdown = nil
	}
	if a.db != nil {
		a.db.Close(ctx)
		a.db = nil
	}
}

// Handler returns the root HTTP handler (all routes plus middleware
// chain) so the host can mount the API on its own server instead of
// calling Run. The SSE broker and worker are not started by Handler;
// the host must still call Run (or start them itself) for progress
// streaming and job execution.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// IssueToken mints a workspace-scoped bearer token with the App's JWT
// keypair, for hosts that provision workspaces programmatically.
func (a *App) IssueToken(workspaceID uuid.UUID) (string, time.Time, error) {
	return a.jwtMgr.IssueToken(workspaceID)
}

// newEngineFactory mirrors the sorami binary's engine selection:
// "http", "synthetic", or "auto" (probe the sidecar, fall back to
// synthetic).
func (a *App) newEngineFactory() engine.Factory {
	switch a.cfg.Engine {
	case "http":
		a.logger.Info("engine: http", "url", a.cfg.EngineURL)
		return func(rc model.RunConfig) engine.Engine {
			return engine.NewHTTPEngine(a.cfg.EngineURL, rc)
		}

	case "synthetic":
		a.logger.Info("engine: synthetic")
		return func(rc model.RunConfig) engine.Engine {
			return engine.NewSynthetic(rc)
		}

	case "auto":
		fallthrough
	default:
		if sidecarReachable(a.cfg.EngineURL) {
			a.logger.Info("engine: http (auto-detected)", "url", a.cfg.EngineURL)
			return func(rc model.RunConfig) engine.Engine {
				return engine.NewHTTPEngine(a.cfg.EngineURL, rc)
			}
		}
		a.logger.Warn("modeling sidecar unreachable, using synthetic engine", "url", a.cfg.EngineURL)
		return func(rc model.RunConfig) engine.Engine {
			return engine.NewSynthetic(rc)
		}
	}
}

// sidecarReachable checks if the modeling sidecar answers its health
// endpoint.
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
