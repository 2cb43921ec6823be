package sorami

import (
	"time"

	"github.com/google/uuid"
)

// Dataset statuses.
const (
	DatasetPending         = "pending"
	DatasetValidated       = "validated"
	DatasetValidationError = "validation_error"
)

// Run statuses.
const (
	RunQueued         = "queued"
	RunPreprocessing  = "preprocessing"
	RunBuilding       = "building"
	RunFitting        = "fitting"
	RunPostprocessing = "postprocessing"
	RunCompleted      = "completed"
	RunFailed         = "failed"
)

// Dataset is one uploaded CSV file plus everything derived from it.
type Dataset struct {
	ID               uuid.UUID         `json:"id"`
	WorkspaceID      uuid.UUID         `json:"workspace_id"`
	Filename         string            `json:"filename"`
	RowCount         *int              `json:"row_count,omitempty"`
	DateRangeStart   *string           `json:"date_range_start,omitempty"`
	DateRangeEnd     *string           `json:"date_range_end,omitempty"`
	Frequency        string            `json:"frequency"`
	ColumnMapping    *ColumnMapping    `json:"column_mapping,omitempty"`
	ValidationReport *ValidationReport `json:"validation_report,omitempty"`
	Status           string            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// MediaColumn describes one mapped media column.
type MediaColumn struct {
	ChannelName string `json:"channel_name"`
	SpendType   string `json:"spend_type"`
}

// ColumnMapping assigns dataset columns to model roles. MediaColumns is
// keyed by column name.
type ColumnMapping struct {
	DateColumn     string                 `json:"date_column"`
	TargetColumn   string                 `json:"target_column"`
	MediaColumns   map[string]MediaColumn `json:"media_columns"`
	ControlColumns []string               `json:"control_columns"`
}

// ColumnInfo is the per-column profile returned on upload.
type ColumnInfo struct {
	Name         string   `json:"name"`
	Dtype        string   `json:"dtype"`
	NullCount    int      `json:"null_count"`
	SampleValues []string `json:"sample_values"`
}

// UploadResult is the response to a dataset upload. AutoMapping is
// present only when detection found both a date and a target column.
type UploadResult struct {
	DatasetID   uuid.UUID           `json:"dataset_id"`
	Filename    string              `json:"filename"`
	RowCount    int                 `json:"row_count"`
	Columns     []ColumnInfo        `json:"columns"`
	PreviewRows []map[string]string `json:"preview_rows"`
	AutoMapping *ColumnMapping      `json:"auto_mapping,omitempty"`
}

// ValidationItem is one finding from the validation battery.
type ValidationItem struct {
	Code     string  `json:"code"`
	Message  string  `json:"message"`
	Column   *string `json:"column,omitempty"`
	Severity string  `json:"severity"`
}

// DataSummary describes the validated dataset.
type DataSummary struct {
	RowCount             int                `json:"row_count"`
	DateRangeStart       string             `json:"date_range_start"`
	DateRangeEnd         string             `json:"date_range_end"`
	Frequency            string             `json:"frequency"`
	MediaChannelCount    int                `json:"media_channel_count"`
	ControlVariableCount int                `json:"control_variable_count"`
	TotalMediaSpend      float64            `json:"total_media_spend"`
	ChannelSpends        map[string]float64 `json:"channel_spends"`
	AvgTargetValue       float64            `json:"avg_target_value"`
	TargetSum            float64            `json:"target_sum"`
}

// ValidationReport is the full validation verdict for a dataset.
type ValidationReport struct {
	IsValid     bool             `json:"is_valid"`
	Errors      []ValidationItem `json:"errors"`
	Warnings    []ValidationItem `json:"warnings"`
	Suggestions []ValidationItem `json:"suggestions"`
	DataSummary DataSummary      `json:"data_summary"`
}

// RunConfig is the engine configuration snapshot stored on a run.
type RunConfig struct {
	AdstockType       string  `json:"adstock_type"`
	SaturationType    string  `json:"saturation_type"`
	NSamples          int     `json:"n_samples"`
	NChains           int     `json:"n_chains"`
	TargetAccept      float64 `json:"target_accept"`
	YearlySeasonality bool    `json:"yearly_seasonality"`
	Mode              string  `json:"mode"`
}

// CreateRunRequest starts a model run over a validated dataset.
// Zero-valued fields take server defaults (geometric adstock, logistic
// saturation, 2000 samples on 4 chains at 0.9 target accept, quick mode).
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

// ModelRun is one model-fitting job over a validated dataset.
type ModelRun struct {
	ID           uuid.UUID  `json:"id"`
	WorkspaceID  uuid.UUID  `json:"workspace_id"`
	DatasetID    uuid.UUID  `json:"dataset_id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Config       RunConfig  `json:"config"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the run has reached an end state.
func (r ModelRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// Diagnostics summarizes sampler health and fit quality.
type Diagnostics struct {
	RSquared          float64 `json:"r_squared"`
	MAPE              float64 `json:"mape"`
	RHatMax           float64 `json:"r_hat_max"`
	ESSMin            float64 `json:"ess_min"`
	Divergences       int     `json:"divergences"`
	ConvergenceStatus string  `json:"convergence_status"`
}

// ROASSummary is the return-on-ad-spend posterior summary for a channel.
type ROASSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	HDI3   float64 `json:"hdi_3"`
	HDI97  float64 `json:"hdi_97"`
}

// AdstockSummary describes a channel's fitted carryover transform.
type AdstockSummary struct {
	Type         string   `json:"type"`
	Alpha        *float64 `json:"alpha"`
	Shape        *float64 `json:"shape"`
	Scale        *float64 `json:"scale"`
	MeanLagWeeks float64  `json:"mean_lag_weeks"`
}

// SaturationSummary describes a channel's fitted saturation transform.
type SaturationSummary struct {
	Type string   `json:"type"`
	Lam  *float64 `json:"lam"`
	K    *float64 `json:"k"`
	S    *float64 `json:"s"`
}

// ChannelResult joins contribution, ROAS, adstock and saturation for one
// channel.
type ChannelResult struct {
	Channel                string            `json:"channel"`
	ContributionShare      float64           `json:"contribution_share"`
	WeeklyContributionMean float64           `json:"weekly_contribution_mean"`
	ROAS                   ROASSummary       `json:"roas"`
	AdstockParams          AdstockSummary    `json:"adstock_params"`
	SaturationParams       SaturationSummary `json:"saturation_params"`
	SaturationPct          float64           `json:"saturation_pct"`
	Recommendation         string            `json:"recommendation"`
}

// BaseSales is the non-media component of the decomposition.
type BaseSales struct {
	WeeklyMean   float64 `json:"weekly_mean"`
	ShareOfTotal float64 `json:"share_of_total"`
}

// DecompositionTS is the fitted time-series decomposition. All slices
// share the length of Dates.
type DecompositionTS struct {
	Dates             []string             `json:"dates"`
	Actual            []float64            `json:"actual"`
	Predicted         []float64            `json:"predicted"`
	PredictedHDILower []float64            `json:"predicted_hdi_lower"`
	PredictedHDIUpper []float64            `json:"predicted_hdi_upper"`
	Base              []float64            `json:"base"`
	Channels          map[string][]float64 `json:"channels"`
}

// ResponseCurve maps hypothetical spend levels to predicted weekly
// contribution for one channel.
type ResponseCurve struct {
	SpendLevels           []float64 `json:"spend_levels"`
	PredictedContribution []float64 `json:"predicted_contribution"`
	CurrentSpend          float64   `json:"current_spend"`
	CurrentContribution   float64   `json:"current_contribution"`
}

// AdstockDecayCurve is the normalized carryover weight per week since
// exposure.
type AdstockDecayCurve struct {
	Weeks        []int     `json:"weeks"`
	DecayWeights []float64 `json:"decay_weights"`
}

// Results is the full results document for a completed run.
type Results struct {
	Diagnostics        Diagnostics                  `json:"diagnostics"`
	BaseSales          BaseSales                    `json:"base_sales"`
	ChannelResults     []ChannelResult              `json:"channel_results"`
	DecompositionTS    DecompositionTS              `json:"decomposition_ts"`
	SummaryText        string                       `json:"summary_text"`
	TopRecommendation  string                       `json:"top_recommendation"`
	ResponseCurves     map[string]ResponseCurve     `json:"response_curves"`
	AdstockDecayCurves map[string]AdstockDecayCurve `json:"adstock_decay_curves"`
}

// OptimizeBudgetRequest allocates a total budget across channels.
type OptimizeBudgetRequest struct {
	TotalBudget   float64            `json:"total_budget"`
	MinPerChannel map[string]float64 `json:"min_per_channel,omitempty"`
	MaxPerChannel map[string]float64 `json:"max_per_channel,omitempty"`
}

// OptimizationResult is the recommended budget split.
type OptimizationResult struct {
	Allocations                map[string]float64 `json:"allocations"`
	PredictedContributions     map[string]float64 `json:"predicted_contributions"`
	TotalPredictedContribution float64            `json:"total_predicted_contribution"`
	CurrentAllocations         map[string]float64 `json:"current_allocations"`
	CurrentContributions       map[string]float64 `json:"current_contributions"`
	TotalCurrentContribution   float64            `json:"total_current_contribution"`
	ImprovementPct             float64            `json:"improvement_pct"`
}

// ProgressEvent is one server-sent progress update for a running fit.
type ProgressEvent struct {
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message"`
	Stage      string `json:"stage"`
	ETASeconds *int   `json:"eta_seconds,omitempty"`
}

// HealthStatus is the server's health report.
type HealthStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	ObjectStore string `json:"object_store"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	QueueDepth  int    `json:"queue_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
