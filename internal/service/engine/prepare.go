package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// prepareData cleans a raw table into engine-ready series: parse and
// sort by date, coerce mapped columns to numbers, forward-fill then
// backward-fill gaps with zero for anything still missing, and clamp
// negative media spend to zero. Only mapped columns are kept.
//
// Validation gates runs upstream, so failures here (incomplete mapping,
// missing columns, unparseable dates) are hard errors, not warnings.
func prepareData(tbl *tabular.Table, mapping model.ColumnMapping) (*PreparedData, error) {
	if !mapping.Complete() {
		return nil, fmt.Errorf("engine: column mapping is incomplete")
	}
	for _, col := range mapping.ReferencedColumns() {
		if !tbl.HasColumn(col) {
			return nil, fmt.Errorf("engine: column %q not found in dataset", col)
		}
	}

	n := tbl.RowCount()
	if n == 0 {
		return nil, fmt.Errorf("engine: dataset has no rows")
	}

	dates, ok := tbl.Times(mapping.DateColumn)
	for i, valid := range ok {
		if !valid {
			return nil, fmt.Errorf("engine: unparseable date in column %q at row %d", mapping.DateColumn, i+1)
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dates[order[a]].Before(dates[order[b]])
	})

	reorder := func(vals []float64) []float64 {
		out := make([]float64, n)
		for i, idx := range order {
			out[i] = vals[idx]
		}
		return out
	}

	mediaCols := mapping.MediaColumnNames()
	data := &PreparedData{
		DateColumn:     mapping.DateColumn,
		TargetColumn:   mapping.TargetColumn,
		MediaColumns:   mediaCols,
		ControlColumns: append([]string(nil), mapping.ControlColumns...),
		Dates:          make([]time.Time, n),
		Media:          make(map[string][]float64, len(mediaCols)),
		Controls:       make(map[string][]float64, len(mapping.ControlColumns)),
	}
	for i, idx := range order {
		data.Dates[i] = dates[idx]
	}

	data.Target = fillGaps(reorder(tbl.Floats(mapping.TargetColumn)))
	for _, col := range mediaCols {
		data.Media[col] = clampNonNegative(fillGaps(reorder(tbl.Floats(col))))
	}
	for _, col := range mapping.ControlColumns {
		data.Controls[col] = fillGaps(reorder(tbl.Floats(col)))
	}

	return data, nil
}

// fillGaps replaces NaN runs by carrying the previous value forward,
// then the next value backward, then zero for columns that never had a
// value.
func fillGaps(vals []float64) []float64 {
	last := math.NaN()
	for i, v := range vals {
		if math.IsNaN(v) {
			vals[i] = last
		} else {
			last = v
		}
	}
	next := math.NaN()
	for i := len(vals) - 1; i >= 0; i-- {
		if math.IsNaN(vals[i]) {
			vals[i] = next
		} else {
			next = vals[i]
		}
	}
	for i, v := range vals {
		if math.IsNaN(v) {
			vals[i] = 0
		}
	}
	return vals
}

func clampNonNegative(vals []float64) []float64 {
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
	return vals
}
