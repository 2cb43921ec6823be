package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a model run. Progression is strictly
// forward (queued → preprocessing → building → fitting → postprocessing →
// completed); failed is reachable from any non-terminal state.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusPreprocessing  RunStatus = "preprocessing"
	RunStatusBuilding       RunStatus = "building"
	RunStatusFitting        RunStatus = "fitting"
	RunStatusPostprocessing RunStatus = "postprocessing"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Rank returns the position of the status in the forward progression.
// Storage uses it to refuse backward status writes.
func (s RunStatus) Rank() int {
	switch s {
	case RunStatusQueued:
		return 0
	case RunStatusPreprocessing:
		return 1
	case RunStatusBuilding:
		return 2
	case RunStatusFitting:
		return 3
	case RunStatusPostprocessing:
		return 4
	case RunStatusCompleted:
		return 5
	case RunStatusFailed:
		return 6
	}
	return -1
}

// Adstock and saturation transform families supported by the engines.
const (
	AdstockGeometric = "geometric"
	AdstockWeibull   = "weibull"

	SaturationLogistic = "logistic"
	SaturationHill     = "hill"
)

// Run modes. Quick mode caps the sampler at 500 draws on 2 chains for fast
// iteration; full mode uses the configured values.
const (
	RunModeQuick = "quick"
	RunModeFull  = "full"
)

// RunConfig is the engine configuration snapshot stored on the run.
type RunConfig struct {
	AdstockType       string  `json:"adstock_type"`
	SaturationType    string  `json:"saturation_type"`
	NSamples          int     `json:"n_samples"`
	NChains           int     `json:"n_chains"`
	TargetAccept      float64 `json:"target_accept"`
	YearlySeasonality bool    `json:"yearly_seasonality"`
	Mode              string  `json:"mode"`
}

// ModelRun is one model-fitting job over a validated dataset. Status and
// Progress are mutated only by the worker that owns the run; everyone else
// reads. Results is set exactly once, on completion.
type ModelRun struct {
	ID           uuid.UUID       `json:"id"`
	WorkspaceID  uuid.UUID       `json:"workspace_id"`
	DatasetID    uuid.UUID       `json:"dataset_id"`
	Name         string          `json:"name"`
	Status       RunStatus       `json:"status"`
	Progress     int             `json:"progress"`
	Config       RunConfig       `json:"config"`
	Results      *UnifiedResults `json:"results,omitempty"`
	ArtifactKey  *string         `json:"artifact_key,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RunJob is a queue entry for a pending model run. Claimed by workers with
// a lease; requeued with backoff on failure until MaxAttempts.
type RunJob struct {
	RunID       uuid.UUID  `json:"run_id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	Attempts    int        `json:"attempts"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
