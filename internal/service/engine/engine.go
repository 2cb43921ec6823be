// Package engine defines the narrow interface between the run pipeline
// and the Bayesian model implementation, plus the two implementations:
// an in-process deterministic engine and a client for an external
// modeling sidecar. The interface allows swapping engines without
// changing the worker or API.
package engine

import (
	"context"
	"time"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// ProgressFunc receives fitting progress on the engine's own 0-100
// scale. The caller maps it into the run's progress range.
type ProgressFunc func(percent int, message string)

// Engine drives one model fit end to end. Implementations are not safe
// for concurrent use; the worker creates one engine per run and calls
// the methods in order: Prepare, Build, Fit, Extract, ResponseCurves,
// Serialize.
type Engine interface {
	// Prepare cleans the raw table into engine-ready series.
	Prepare(ctx context.Context, tbl *tabular.Table, mapping model.ColumnMapping) (*PreparedData, error)

	// Build constructs the statistical model specification.
	Build(ctx context.Context, data *PreparedData) error

	// Fit runs sampling, reporting progress through the callback
	// periodically, not just at start and end.
	Fit(ctx context.Context, data *PreparedData, progress ProgressFunc) error

	// Extract computes posterior summaries after a successful fit.
	Extract(ctx context.Context) (*model.EngineResults, error)

	// ResponseCurves generates per-channel spend response curves with
	// the given number of points.
	ResponseCurves(ctx context.Context, points int) (map[string]model.ResponseCurve, error)

	// Serialize returns the fitted model artifact for storage.
	Serialize(ctx context.Context) ([]byte, error)
}

// Factory creates a fresh engine for one run with the run's
// configuration.
type Factory func(cfg model.RunConfig) Engine

// PreparedData holds the cleaned, date-sorted series the model runs
// on. All series have equal length. Media series are keyed by their
// source column name, which is also the channel identifier carried
// through results.
type PreparedData struct {
	DateColumn     string
	TargetColumn   string
	MediaColumns   []string
	ControlColumns []string

	Dates    []time.Time
	Target   []float64
	Media    map[string][]float64
	Controls map[string][]float64
}

// Rows returns the number of observations.
func (d *PreparedData) Rows() int { return len(d.Dates) }
