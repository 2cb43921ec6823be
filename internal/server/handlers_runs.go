package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/service/optimizer"
)

// Sampler defaults for new runs. Quick mode caps draws and chains so a
// first fit comes back in minutes rather than an hour.
const (
	defaultNSamples     = 2000
	defaultNChains      = 4
	defaultTargetAccept = 0.9
	quickModeNSamples   = 500
	quickModeNChains    = 2
)

// runConfigFromRequest applies defaults to a create-run request and
// returns the config snapshot stored on the run.
func runConfigFromRequest(req model.CreateRunRequest) (model.RunConfig, error) {
	cfg := model.RunConfig{
		AdstockType:       req.AdstockType,
		SaturationType:    req.SaturationType,
		NSamples:          req.NSamples,
		NChains:           req.NChains,
		TargetAccept:      req.TargetAccept,
		YearlySeasonality: true,
		Mode:              req.Mode,
	}
	if cfg.AdstockType == "" {
		cfg.AdstockType = model.AdstockGeometric
	}
	if cfg.SaturationType == "" {
		cfg.SaturationType = model.SaturationLogistic
	}
	if cfg.NSamples == 0 {
		cfg.NSamples = defaultNSamples
	}
	if cfg.NChains == 0 {
		cfg.NChains = defaultNChains
	}
	if cfg.TargetAccept == 0 {
		cfg.TargetAccept = defaultTargetAccept
	}
	if req.YearlySeasonality != nil {
		cfg.YearlySeasonality = *req.YearlySeasonality
	}
	if cfg.Mode == "" {
		cfg.Mode = model.RunModeQuick
	}

	switch cfg.AdstockType {
	case model.AdstockGeometric, model.AdstockWeibull:
	default:
		return model.RunConfig{}, errInvalid("adstock_type must be geometric or weibull")
	}
	switch cfg.SaturationType {
	case model.SaturationLogistic, model.SaturationHill:
	default:
		return model.RunConfig{}, errInvalid("saturation_type must be logistic or hill")
	}
	switch cfg.Mode {
	case model.RunModeQuick, model.RunModeFull:
	default:
		return model.RunConfig{}, errInvalid("mode must be quick or full")
	}
	if cfg.NSamples < 0 || cfg.NChains < 0 {
		return model.RunConfig{}, errInvalid("n_samples and n_chains must be positive")
	}
	if cfg.TargetAccept <= 0 || cfg.TargetAccept >= 1 {
		return model.RunConfig{}, errInvalid("target_accept must be in (0, 1)")
	}

	if cfg.Mode == model.RunModeQuick {
		if cfg.NSamples > quickModeNSamples {
			cfg.NSamples = quickModeNSamples
		}
		if cfg.NChains > quickModeNChains {
			cfg.NChains = quickModeNChains
		}
	}
	return cfg, nil
}

type invalidInputError string

func (e invalidInputError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidInputError(msg) }

// HandleCreateRun handles POST /v1/runs. The dataset must have passed
// validation; the run and its queue job are created together.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.DatasetID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "dataset_id is required")
		return
	}

	cfg, err := runConfigFromRequest(req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ds, err := h.db.GetDataset(r.Context(), workspaceID, req.DatasetID)
	if err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}
	if ds.Status != model.DatasetStatusValidated {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"dataset must pass validation before a model run (status: "+string(ds.Status)+")")
		return
	}

	name := "Model Run"
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		name = strings.TrimSpace(*req.Name)
	}

	run, err := h.db.CreateRun(r.Context(), workspaceID, ds.ID, name, cfg)
	if err != nil {
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	h.logger.Info("run created",
		"run_id", run.ID,
		"dataset_id", ds.ID,
		"workspace_id", workspaceID,
		"mode", cfg.Mode,
	)
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleListRuns handles GET /v1/runs with an optional dataset_id filter.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	var datasetID *uuid.UUID
	if raw := r.URL.Query().Get("dataset_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid dataset_id: "+raw)
			return
		}
		datasetID = &id
	}

	runs, err := h.db.ListRuns(r.Context(), workspaceID, datasetID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.ModelRun{}
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunResults handles GET /v1/runs/{run_id}/results. Results exist
// only on completed runs; anything earlier is a client error, not a 404.
func (h *Handlers) HandleRunResults(w http.ResponseWriter, r *http.Request) {
	run, ok := h.completedRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run.Results)
}

// HandleRunSummary handles GET /v1/runs/{run_id}/summary.
func (h *Handlers) HandleRunSummary(w http.ResponseWriter, r *http.Request) {
	run, ok := h.completedRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, model.SummaryResponse{Summary: run.Results.SummaryText})
}

// HandleOptimizeBudget handles POST /v1/runs/{run_id}/optimize. Runs the
// allocator over the stored response curves; nothing is persisted.
func (h *Handlers) HandleOptimizeBudget(w http.ResponseWriter, r *http.Request) {
	run, ok := h.completedRun(w, r)
	if !ok {
		return
	}

	var req model.OptimizeBudgetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TotalBudget <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "total_budget must be positive")
		return
	}

	opt := optimizer.New(h.logger)
	result, err := opt.Optimize(run.Results.ResponseCurves, req.TotalBudget, req.MinPerChannel, req.MaxPerChannel)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleDeleteRun handles DELETE /v1/runs/{run_id}. Artifact cleanup in
// object storage is best effort.
func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.DeleteRun(r.Context(), workspaceID, id); err != nil {
		h.writeStorageError(w, r, "run", err)
		return
	}

	if _, err := h.store.DeletePrefix(r.Context(), objstore.ArtifactPrefix(workspaceID, id)); err != nil {
		h.logger.Warn("failed to delete run artifacts", "run_id", id, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// completedRun loads a run and rejects it unless it completed with
// results. Writes the error response itself on failure.
func (h *Handlers) completedRun(w http.ResponseWriter, r *http.Request) (model.ModelRun, bool) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.ModelRun{}, false
	}

	run, err := h.db.GetRun(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "run", err)
		return model.ModelRun{}, false
	}
	if run.Status != model.RunStatusCompleted || run.Results == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"run has no results yet (status: "+string(run.Status)+")")
		return model.ModelRun{}, false
	}
	return run, true
}
