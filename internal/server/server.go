package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sorami-ai/sorami/internal/auth"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/storage"
)

// Server is the Sorami HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Broker, MCPServer, UIFS,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Store  *objstore.Client
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	RunMaxAttempts      int

	// Optional embedded assets.
	UIFS        fs.FS  // Embedded UI filesystem (SPA).
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Extension points for embedding consumers.
	ExtraRoutes []func(mux *http.ServeMux)        // Called after all built-in routes are registered.
	Middlewares []func(http.Handler) http.Handler // Applied outermost, in registration order.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		RunMaxAttempts:      cfg.RunMaxAttempts,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Datasets.
	mux.HandleFunc("POST /v1/datasets", h.HandleUploadDataset)
	mux.HandleFunc("GET /v1/datasets", h.HandleListDatasets)
	mux.HandleFunc("GET /v1/datasets/{dataset_id}", h.HandleGetDataset)
	mux.HandleFunc("PUT /v1/datasets/{dataset_id}/mapping", h.HandleUpdateMapping)
	mux.HandleFunc("POST /v1/datasets/{dataset_id}/validate", h.HandleValidateDataset)
	mux.HandleFunc("DELETE /v1/datasets/{dataset_id}", h.HandleDeleteDataset)

	// Model runs.
	mux.HandleFunc("POST /v1/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/results", h.HandleRunResults)
	mux.HandleFunc("GET /v1/runs/{run_id}/summary", h.HandleRunSummary)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)
	mux.HandleFunc("POST /v1/runs/{run_id}/optimize", h.HandleOptimizeBudget)
	mux.HandleFunc("DELETE /v1/runs/{run_id}", h.HandleDeleteRun)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Extra routes from embedding consumers share the mux and the full
	// middleware chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// SPA: serve the embedded UI at the root path. Registered last so all
	// API routes take priority via the mux's longest-match rule.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Consumer middlewares wrap everything, first registered outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
