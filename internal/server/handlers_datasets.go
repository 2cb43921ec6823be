package server

import (
	"bytes"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/objstore"
	"github.com/sorami-ai/sorami/internal/service/mapping"
	"github.com/sorami-ai/sorami/internal/service/validation"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// previewRowCount is the number of leading rows returned on upload.
const previewRowCount = 5

// HandleUploadDataset handles POST /v1/datasets (multipart CSV upload).
// The file is parsed before anything is persisted: a CSV that does not
// parse leaves no row and no object behind.
func (h *Handlers) HandleUploadDataset(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	filename := path.Base(header.Filename)
	if filename == "" || filename == "." || filename == "/" {
		filename = "upload.csv"
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".csv") {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "only .csv files are accepted")
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	tbl, err := tabular.ParseCSV(bytes.NewReader(raw))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "could not parse CSV: "+err.Error())
		return
	}

	detected := mapping.Detect(tbl)
	var autoMapping *model.ColumnMapping
	if detected.Complete() {
		autoMapping = &detected
	}

	// The object is written before the dataset row exists, so the key is
	// namespaced by a fresh upload ID rather than the row ID. Cleanup
	// derives the prefix back from the stored key.
	uploadID := uuid.New()
	objectKey := objstore.DatasetKey(workspaceID, uploadID, filename)
	if err := h.store.Put(r.Context(), objectKey, raw, "text/csv"); err != nil {
		h.writeInternalError(w, r, "failed to store uploaded file", err)
		return
	}

	ds, err := h.db.CreateDataset(r.Context(), workspaceID, filename, objectKey, autoMapping)
	if err != nil {
		// Best-effort: do not leave an orphaned object behind.
		if delErr := h.store.Delete(r.Context(), objectKey); delErr != nil {
			h.logger.Warn("failed to clean up object after insert failure",
				"object_key", objectKey, "error", delErr)
		}
		h.writeInternalError(w, r, "failed to create dataset", err)
		return
	}

	columns := make([]model.ColumnInfo, 0, len(tbl.Columns()))
	for _, col := range tbl.Columns() {
		p := tbl.Profile(col)
		columns = append(columns, model.ColumnInfo{
			Name:         p.Name,
			Dtype:        p.Dtype,
			NullCount:    p.NullCount,
			SampleValues: p.SampleValues,
		})
	}

	writeJSON(w, r, http.StatusCreated, model.UploadResponse{
		DatasetID:   ds.ID,
		Filename:    ds.Filename,
		RowCount:    tbl.RowCount(),
		Columns:     columns,
		PreviewRows: tbl.PreviewRows(previewRowCount),
		AutoMapping: autoMapping,
	})
}

// HandleListDatasets handles GET /v1/datasets.
func (h *Handlers) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	datasets, err := h.db.ListDatasets(r.Context(), workspaceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list datasets", err)
		return
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}
	writeJSON(w, r, http.StatusOK, datasets)
}

// HandleGetDataset handles GET /v1/datasets/{dataset_id}.
func (h *Handlers) HandleGetDataset(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseDatasetID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ds, err := h.db.GetDataset(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ds)
}

// HandleUpdateMapping handles PUT /v1/datasets/{dataset_id}/mapping.
// Replacing the mapping resets the dataset to pending; the previous
// validation verdict no longer applies.
func (h *Handlers) HandleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseDatasetID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateMappingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.ColumnMapping.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.UpdateDatasetMapping(r.Context(), workspaceID, id, req.ColumnMapping); err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}

	ds, err := h.db.GetDataset(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ds)
}

// HandleValidateDataset handles POST /v1/datasets/{dataset_id}/validate.
// Downloads the stored CSV, runs the validation battery against the
// current mapping, and persists the report with the resulting status.
func (h *Handlers) HandleValidateDataset(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseDatasetID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ds, err := h.db.GetDataset(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}
	if ds.ColumnMapping == nil || !ds.ColumnMapping.Complete() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"dataset has no complete column mapping; set one before validating")
		return
	}

	raw, err := h.store.Get(r.Context(), ds.ObjectKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to fetch dataset file", err)
		return
	}
	tbl, err := tabular.ParseCSV(bytes.NewReader(raw))
	if err != nil {
		h.writeInternalError(w, r, "stored dataset file is not parseable", err)
		return
	}

	report := validation.Validate(tbl, *ds.ColumnMapping)
	status := model.DatasetStatusValidationError
	if report.IsValid {
		status = model.DatasetStatusValidated
	}

	if err := h.db.SetDatasetValidation(r.Context(), workspaceID, id, report, status); err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleDeleteDataset handles DELETE /v1/datasets/{dataset_id}. The row
// (and its runs, via cascade) go first; object cleanup is best effort.
func (h *Handlers) HandleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	workspaceID := WorkspaceIDFromContext(r.Context())

	id, err := parseDatasetID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ds, err := h.db.GetDataset(r.Context(), workspaceID, id)
	if err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}

	if err := h.db.DeleteDataset(r.Context(), workspaceID, id); err != nil {
		h.writeStorageError(w, r, "dataset", err)
		return
	}

	prefix := strings.TrimSuffix(ds.ObjectKey, path.Base(ds.ObjectKey))
	if prefix != "" {
		if _, err := h.store.DeletePrefix(r.Context(), prefix); err != nil {
			h.logger.Warn("failed to delete dataset objects",
				"dataset_id", id, "prefix", prefix, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
