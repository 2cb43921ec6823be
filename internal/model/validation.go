package model

// Severity of a validation finding.
type Severity string

const (
	SeverityError      Severity = "error"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// ValidationItem is a single finding from the data validator. Column is nil
// for dataset-level findings (row count, cadence).
type ValidationItem struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Column   *string  `json:"column,omitempty"`
	Severity Severity `json:"severity"`
}

// DataSummary is the descriptive statistics block attached to every
// validation report. It is computed even when validation short-circuits,
// degrading to whatever mapped columns actually exist.
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

// ValidationReport is the full output of one validate() call. Items keep
// detection order. IsValid is true iff Errors is empty. Reports are
// immutable once built and persisted as a document on the dataset row.
type ValidationReport struct {
	IsValid     bool             `json:"is_valid"`
	Errors      []ValidationItem `json:"errors"`
	Warnings    []ValidationItem `json:"warnings"`
	Suggestions []ValidationItem `json:"suggestions"`
	DataSummary DataSummary      `json:"data_summary"`
}
