// Package model defines the core domain types for Sorami.
//
// Types correspond directly to database columns and JSON wire payloads.
// Serialization is explicit: every persisted document (column mappings,
// validation reports, model results) is a typed struct with snake_case
// tags, never a free-form map.
package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DatasetStatus is the lifecycle state of an uploaded dataset.
type DatasetStatus string

const (
	DatasetStatusPending         DatasetStatus = "pending"
	DatasetStatusValidated       DatasetStatus = "validated"
	DatasetStatusValidationError DatasetStatus = "validation_error"
)

// Dataset is one uploaded CSV file plus everything derived from it.
// The raw bytes live in object storage under ObjectKey; the row count,
// date range and frequency are filled in by validation.
type Dataset struct {
	ID               uuid.UUID         `json:"id"`
	WorkspaceID      uuid.UUID         `json:"workspace_id"`
	Filename         string            `json:"filename"`
	ObjectKey        string            `json:"object_key"`
	RowCount         *int              `json:"row_count,omitempty"`
	DateRangeStart   *string           `json:"date_range_start,omitempty"`
	DateRangeEnd     *string           `json:"date_range_end,omitempty"`
	Frequency        string            `json:"frequency"`
	ColumnMapping    *ColumnMapping    `json:"column_mapping,omitempty"`
	ValidationReport *ValidationReport `json:"validation_report,omitempty"`
	Status           DatasetStatus     `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SpendType classifies what a media column measures.
type SpendType string

const (
	SpendTypeSpend       SpendType = "spend"
	SpendTypeImpressions SpendType = "impressions"
	SpendTypeClicks      SpendType = "clicks"
	SpendTypeGRP         SpendType = "grp"
	SpendTypeReach       SpendType = "reach"
	SpendTypeViews       SpendType = "views"
	SpendTypeVolume      SpendType = "volume"
)

// KnownSpendType reports whether t is one of the recognized spend types.
func KnownSpendType(t SpendType) bool {
	switch t {
	case SpendTypeSpend, SpendTypeImpressions, SpendTypeClicks, SpendTypeGRP,
		SpendTypeReach, SpendTypeViews, SpendTypeVolume:
		return true
	}
	return false
}

// MediaColumnConfig describes one mapped media column.
type MediaColumnConfig struct {
	ChannelName string    `json:"channel_name"`
	SpendType   SpendType `json:"spend_type"`
}

// ColumnMapping assigns dataset columns to model roles. MediaColumns is
// keyed by column name. A mapping produced by auto-detection may have an
// empty DateColumn or TargetColumn, which means detection failed for that
// role and the user must map it manually.
type ColumnMapping struct {
	DateColumn     string                       `json:"date_column"`
	TargetColumn   string                       `json:"target_column"`
	MediaColumns   map[string]MediaColumnConfig `json:"media_columns"`
	ControlColumns []string                     `json:"control_columns"`
}

// Complete reports whether the mapping has both a date and a target column.
func (m ColumnMapping) Complete() bool {
	return m.DateColumn != "" && m.TargetColumn != ""
}

// Validate checks a user-supplied mapping for structural problems. It does
// not look at the data; that is the validator's job.
func (m ColumnMapping) Validate() error {
	if m.DateColumn == "" {
		return fmt.Errorf("date_column is required")
	}
	if m.TargetColumn == "" {
		return fmt.Errorf("target_column is required")
	}
	for col, cfg := range m.MediaColumns {
		if col == "" {
			return fmt.Errorf("media_columns contains an empty column name")
		}
		if cfg.ChannelName == "" {
			return fmt.Errorf("media column %q has no channel_name", col)
		}
		if !KnownSpendType(cfg.SpendType) {
			return fmt.Errorf("media column %q has unknown spend_type %q", col, cfg.SpendType)
		}
	}
	return nil
}

// ReferencedColumns returns every column name the mapping points at, in a
// stable order: date, target, media (sorted by column name), controls.
func (m ColumnMapping) ReferencedColumns() []string {
	cols := make([]string, 0, 2+len(m.MediaColumns)+len(m.ControlColumns))
	if m.DateColumn != "" {
		cols = append(cols, m.DateColumn)
	}
	if m.TargetColumn != "" {
		cols = append(cols, m.TargetColumn)
	}
	cols = append(cols, m.MediaColumnNames()...)
	cols = append(cols, m.ControlColumns...)
	return cols
}

// MediaColumnNames returns the mapped media column names sorted
// lexicographically, for deterministic iteration.
func (m ColumnMapping) MediaColumnNames() []string {
	names := make([]string, 0, len(m.MediaColumns))
	for col := range m.MediaColumns {
		names = append(names, col)
	}
	sort.Strings(names)
	return names
}

// ColumnInfo is the per-column profile returned on upload.
type ColumnInfo struct {
	Name         string   `json:"name"`
	Dtype        string   `json:"dtype"`
	NullCount    int      `json:"null_count"`
	SampleValues []string `json:"sample_values"`
}
