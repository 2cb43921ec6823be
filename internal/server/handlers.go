package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/auth"
	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	store               *objstore.Client
	jwtMgr              *auth.JWTManager
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	maxUploadBytes      int64
	runMaxAttempts      int
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Store               *objstore.Client
	JWTMgr              *auth.JWTManager
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	RunMaxAttempts      int
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxUploadBytes:      d.MaxUploadBytes,
		runMaxAttempts:      d.RunMaxAttempts,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	objStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		objStatus = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	depth := 0
	if n, err := h.db.QueueDepth(r.Context(), h.runMaxAttempts); err == nil {
		depth = int(n)
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Postgres:    pgStatus,
		ObjectStore: objStatus,
		QueueDepth:  depth,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeStorageError maps storage errors to HTTP responses. Not-found
// becomes a 404; anything else is a 500 with the wrapped error logged.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, resource+" not found")
		return
	}
	h.writeInternalError(w, r, "failed to load "+resource, err)
}

func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}

func parsePathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func parseDatasetID(r *http.Request) (uuid.UUID, error) { return parsePathID(r, "dataset_id") }
func parseRunID(r *http.Request) (uuid.UUID, error)     { return parsePathID(r, "run_id") }
