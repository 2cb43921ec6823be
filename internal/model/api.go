package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// UploadResponse is the response for POST /v1/datasets. AutoMapping is
// present only when detection found both a date and a target column.
type UploadResponse struct {
	DatasetID   uuid.UUID           `json:"dataset_id"`
	Filename    string              `json:"filename"`
	RowCount    int                 `json:"row_count"`
	Columns     []ColumnInfo        `json:"columns"`
	PreviewRows []map[string]string `json:"preview_rows"`
	AutoMapping *ColumnMapping      `json:"auto_mapping,omitempty"`
}

// UpdateMappingRequest is the request body for PUT /v1/datasets/{dataset_id}/mapping.
type UpdateMappingRequest struct {
	ColumnMapping ColumnMapping `json:"column_mapping"`
}

// CreateRunRequest is the request body for POST /v1/runs. Zero-valued
// fields take defaults (geometric adstock, logistic saturation, 2000
// samples on 4 chains at 0.9 target accept, quick mode); quick mode then
// caps samples and chains.
type CreateRunRequest struct {
	DatasetID         uuid.UUID `json:"dataset_id"`
	Name              *string   `json:"name,omitempty"`
	AdstockType       string    `json:"adstock_type,omitempty"`
	SaturationType    string    `json:"saturation_type,omitempty"`
	NSamples          int       `json:"n_samples,omitempty"`
	NChains           int       `json:"n_chains,omitempty"`
	TargetAccept      float64   `json:"target_accept,omitempty"`
	YearlySeasonality *bool     `json:"yearly_seasonality,omitempty"`
	Mode              string    `json:"mode,omitempty"`
}

// OptimizeBudgetRequest is the request body for POST /v1/runs/{run_id}/optimize.
type OptimizeBudgetRequest struct {
	TotalBudget   float64            `json:"total_budget"`
	MinPerChannel map[string]float64 `json:"min_per_channel,omitempty"`
	MaxPerChannel map[string]float64 `json:"max_per_channel,omitempty"`
}

// SummaryResponse is the response for GET /v1/runs/{run_id}/summary.
type SummaryResponse struct {
	Summary string `json:"summary"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	ObjectStore string `json:"object_store"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	QueueDepth  int    `json:"queue_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
