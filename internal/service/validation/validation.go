// Package validation runs the pre-fit battery of checks over an uploaded
// dataset and its confirmed column mapping.
//
// Checks run in a fixed order and produce a structured report: blocking
// errors, non-blocking warnings, and advisory suggestions, plus summary
// statistics. Validation never mutates the table and has no hidden state;
// the same (table, mapping) input always yields an identical report.
package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// Validation finding codes.
const (
	CodeMinRows          = "min_rows"
	CodeNoMediaCols      = "no_media_cols"
	CodeMissingColumns   = "missing_columns"
	CodeTargetAllZero    = "target_all_zero"
	CodeTargetNotNumeric = "target_not_numeric"
	CodeNegativeSpend    = "negative_spend"
	CodeMediaNotNumeric  = "media_not_numeric"
	CodeInvalidDates     = "invalid_dates"
	CodeDateGaps         = "date_gaps"
	CodeLowRows          = "low_rows"
	CodeNonWeekly        = "non_weekly"
	CodeHighNulls        = "high_nulls"
	CodeZeroVariance     = "zero_variance"
	CodeHighCorrelation  = "high_correlation"
	CodeOutliers         = "outliers"
	CodeZeroSpendChannel = "zero_spend_channel"
	CodeAddSeasonality   = "add_seasonality"
	CodeLogTransform     = "log_transform"
	CodeFewChannels      = "few_channels"
	CodeNormalize        = "normalize"
)

// Thresholds for the check battery. MMM needs at least a year of weekly
// history to fit; two years is the comfortable minimum.
const (
	minRows            = 52
	recommendedRows    = 104
	maxNullPct         = 5.0
	corrThreshold      = 0.7
	outlierStdDevs     = 3.0
	skewThreshold      = 2.0
	minChannels        = 3
	spendScaleRatio    = 100.0
	gapFactor          = 1.5
)

// Validate checks the table against the mapping and returns a fresh report.
// A mapping that references columns absent from the table short-circuits:
// only the missing_columns error and a degraded summary are produced.
func Validate(tbl *tabular.Table, m model.ColumnMapping) model.ValidationReport {
	errs := []model.ValidationItem{}
	warns := []model.ValidationItem{}
	suggs := []model.ValidationItem{}

	mediaCols := m.MediaColumnNames()
	n := tbl.RowCount()

	// Blocking checks.

	if n < minRows {
		errs = append(errs, model.ValidationItem{
			Code:     CodeMinRows,
			Message:  fmt.Sprintf("Need at least 52 weeks (1 year) of data. You have %d rows.", n),
			Severity: model.SeverityError,
		})
	}

	if len(mediaCols) == 0 {
		errs = append(errs, model.ValidationItem{
			Code:     CodeNoMediaCols,
			Message:  "No media spend columns mapped.",
			Severity: model.SeverityError,
		})
	}

	var missing []string
	for _, col := range m.ReferencedColumns() {
		if !tbl.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, model.ValidationItem{
			Code:     CodeMissingColumns,
			Message:  fmt.Sprintf("Mapped columns not found in data: %s.", strings.Join(missing, ", ")),
			Severity: model.SeverityError,
		})
		// Further checks would read absent columns.
		return model.ValidationReport{
			IsValid:     false,
			Errors:      errs,
			Warnings:    warns,
			Suggestions: suggs,
			DataSummary: buildSummary(tbl, m, mediaCols),
		}
	}

	if m.TargetColumn != "" {
		vals := tbl.Floats(m.TargetColumn)
		if sumSkipNaN(vals) == 0 {
			errs = append(errs, model.ValidationItem{
				Code:     CodeTargetAllZero,
				Message:  fmt.Sprintf("Target column '%s' is all zeros.", m.TargetColumn),
				Column:   ptr(m.TargetColumn),
				Severity: model.SeverityError,
			})
		}
		if len(dropNaN(vals)) == 0 {
			errs = append(errs, model.ValidationItem{
				Code:     CodeTargetNotNumeric,
				Message:  fmt.Sprintf("Target column '%s' contains no numeric values.", m.TargetColumn),
				Column:   ptr(m.TargetColumn),
				Severity: model.SeverityError,
			})
		}
	}

	for _, col := range mediaCols {
		vals := tbl.Floats(col)
		if anyNegative(vals) {
			errs = append(errs, model.ValidationItem{
				Code:     CodeNegativeSpend,
				Message:  fmt.Sprintf("Negative values in '%s' -- spend cannot be negative.", col),
				Column:   ptr(col),
				Severity: model.SeverityError,
			})
		}
		if len(dropNaN(vals)) == 0 {
			errs = append(errs, model.ValidationItem{
				Code:     CodeMediaNotNumeric,
				Message:  fmt.Sprintf("Media column '%s' contains no numeric values.", col),
				Column:   ptr(col),
				Severity: model.SeverityError,
			})
		}
	}

	if m.DateColumn != "" {
		_, ok := tbl.Times(m.DateColumn)
		invalid := 0
		for _, v := range ok {
			if !v {
				invalid++
			}
		}
		if invalid > 0 {
			errs = append(errs, model.ValidationItem{
				Code:     CodeInvalidDates,
				Message:  fmt.Sprintf("%d value(s) in '%s' are not valid dates.", invalid, m.DateColumn),
				Column:   ptr(m.DateColumn),
				Severity: model.SeverityError,
			})
		} else if gaps := detectDateGaps(validTimes(tbl, m.DateColumn)); gaps.found {
			errs = append(errs, model.ValidationItem{
				Code: CodeDateGaps,
				Message: fmt.Sprintf(
					"Missing dates detected: %d gap(s). Largest gap: %d days (around %s). Fill or interpolate these.",
					gaps.count, gaps.maxDays, gaps.beforeFirst),
				Column:   ptr(m.DateColumn),
				Severity: model.SeverityError,
			})
		}
	}

	// Non-blocking warnings.

	if n >= minRows && n < recommendedRows {
		warns = append(warns, model.ValidationItem{
			Code:     CodeLowRows,
			Message:  fmt.Sprintf("Only %d weeks of data. 104+ weeks (2 years) recommended for robust results.", n),
			Severity: model.SeverityWarning,
		})
	}

	if m.DateColumn != "" {
		if dates := validTimes(tbl, m.DateColumn); len(dates) >= 2 {
			label, medianDays := detectFrequency(dates)
			if label != "weekly" {
				warns = append(warns, model.ValidationItem{
					Code: CodeNonWeekly,
					Message: fmt.Sprintf(
						"Date intervals aren't consistent with weekly data. Detected: %s (median interval: %.0f days). The model expects weekly frequency.",
						label, medianDays),
					Severity: model.SeverityWarning,
				})
			}
		}
	}

	checkCols := append(append([]string{}, mediaCols...), nonEmpty(m.TargetColumn)...)
	checkCols = append(checkCols, m.ControlColumns...)
	for _, col := range checkCols {
		vals := tbl.Floats(col)
		if n > 0 {
			nullPct := float64(n-len(dropNaN(vals))) / float64(n) * 100
			if nullPct > maxNullPct {
				warns = append(warns, model.ValidationItem{
					Code:     CodeHighNulls,
					Message:  fmt.Sprintf("Column '%s' has %.0f%% missing values. Consider imputation.", col, nullPct),
					Column:   ptr(col),
					Severity: model.SeverityWarning,
				})
			}
		}
		clean := dropNaN(vals)
		if len(clean) > 0 && stat.StdDev(clean, nil) == 0 {
			warns = append(warns, model.ValidationItem{
				Code:     CodeZeroVariance,
				Message:  fmt.Sprintf("Column '%s' has no variation -- it won't add predictive value.", col),
				Column:   ptr(col),
				Severity: model.SeverityWarning,
			})
		}
	}

	warns = append(warns, correlationWarnings(tbl, mediaCols)...)

	if m.TargetColumn != "" {
		clean := dropNaN(tbl.Floats(m.TargetColumn))
		if len(clean) > 0 {
			mean := stat.Mean(clean, nil)
			sd := stat.StdDev(clean, nil)
			if sd > 0 {
				outliers := 0
				for _, v := range clean {
					if math.Abs(v-mean) > outlierStdDevs*sd {
						outliers++
					}
				}
				if outliers > 0 {
					warns = append(warns, model.ValidationItem{
						Code:     CodeOutliers,
						Message:  fmt.Sprintf("%d outlier week(s) detected in '%s' (>3 std from mean).", outliers, m.TargetColumn),
						Column:   ptr(m.TargetColumn),
						Severity: model.SeverityWarning,
					})
				}
			}
		}
	}

	for _, col := range mediaCols {
		if sumSkipNaN(tbl.Floats(col)) == 0 {
			warns = append(warns, model.ValidationItem{
				Code:     CodeZeroSpendChannel,
				Message:  fmt.Sprintf("Channel '%s' has zero total spend. It will not contribute to the model.", col),
				Column:   ptr(col),
				Severity: model.SeverityWarning,
			})
		}
	}

	// Suggestions.

	hasSeasonal := false
	for _, c := range m.ControlColumns {
		lower := strings.ToLower(c)
		if strings.Contains(lower, "holiday") || strings.Contains(lower, "season") {
			hasSeasonal = true
			break
		}
	}
	if !hasSeasonal {
		suggs = append(suggs, model.ValidationItem{
			Code:     CodeAddSeasonality,
			Message:  "No holiday/seasonal control variable detected. Consider adding one.",
			Severity: model.SeveritySuggestion,
		})
	}

	if m.TargetColumn != "" {
		clean := dropNaN(tbl.Floats(m.TargetColumn))
		if len(clean) >= 3 {
			skew := stat.Skew(clean, nil)
			if math.Abs(skew) > skewThreshold {
				suggs = append(suggs, model.ValidationItem{
					Code:     CodeLogTransform,
					Message:  fmt.Sprintf("Target '%s' is highly skewed (skew=%.1f). Log transform may improve fit.", m.TargetColumn, skew),
					Column:   ptr(m.TargetColumn),
					Severity: model.SeveritySuggestion,
				})
			}
		}
	}

	if len(mediaCols) < minChannels {
		suggs = append(suggs, model.ValidationItem{
			Code:     CodeFewChannels,
			Message:  fmt.Sprintf("Only %d media channel(s) mapped. More channels give richer insights.", len(mediaCols)),
			Severity: model.SeveritySuggestion,
		})
	}

	if len(mediaCols) >= 2 {
		var means []float64
		for _, col := range mediaCols {
			if clean := dropNaN(tbl.Floats(col)); len(clean) > 0 {
				if mean := stat.Mean(clean, nil); mean > 0 {
					means = append(means, mean)
				}
			}
		}
		if len(means) >= 2 {
			lo, hi := means[0], means[0]
			for _, v := range means[1:] {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			if hi/lo > spendScaleRatio {
				suggs = append(suggs, model.ValidationItem{
					Code:     CodeNormalize,
					Message:  fmt.Sprintf("Spend columns have very different scales (%.0fx difference). The model handles this, but FYI.", hi/lo),
					Severity: model.SeveritySuggestion,
				})
			}
		}
	}

	return model.ValidationReport{
		IsValid:     len(errs) == 0,
		Errors:      errs,
		Warnings:    warns,
		Suggestions: suggs,
		DataSummary: buildSummary(tbl, m, mediaCols),
	}
}

// correlationWarnings scans media column pairs for multicollinearity.
// Columns without variance are skipped; each offending pair is reported
// once, over the rows where both columns have numeric values.
func correlationWarnings(tbl *tabular.Table, mediaCols []string) []model.ValidationItem {
	if len(mediaCols) < 2 {
		return nil
	}
	series := make(map[string][]float64, len(mediaCols))
	var valid []string
	for _, col := range mediaCols {
		vals := tbl.Floats(col)
		clean := dropNaN(vals)
		if len(clean) >= 2 && stat.StdDev(clean, nil) > 0 {
			valid = append(valid, col)
			series[col] = vals
		}
	}

	var warns []model.ValidationItem
	for i := 0; i < len(valid); i++ {
		for j := i + 1; j < len(valid); j++ {
			xs, ys := pairwiseComplete(series[valid[i]], series[valid[j]])
			if len(xs) < 2 {
				continue
			}
			r := math.Abs(stat.Correlation(xs, ys, nil))
			if r > corrThreshold {
				warns = append(warns, model.ValidationItem{
					Code: CodeHighCorrelation,
					Message: fmt.Sprintf("'%s' and '%s' are %.0f%% correlated -- may cause multicollinearity.",
						valid[i], valid[j], r*100),
					Severity: model.SeverityWarning,
				})
			}
		}
	}
	return warns
}

// buildSummary computes descriptive statistics over whatever mapped columns
// actually exist, so it also works on the missing_columns early-exit path.
func buildSummary(tbl *tabular.Table, m model.ColumnMapping, mediaCols []string) model.DataSummary {
	s := model.DataSummary{
		RowCount:             tbl.RowCount(),
		Frequency:            "unknown",
		MediaChannelCount:    len(mediaCols),
		ControlVariableCount: len(m.ControlColumns),
		ChannelSpends:        map[string]float64{},
	}

	if m.DateColumn != "" && tbl.HasColumn(m.DateColumn) {
		dates := validTimes(tbl, m.DateColumn)
		if len(dates) > 0 {
			sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
			s.DateRangeStart = dates[0].Format("2006-01-02T15:04:05")
			s.DateRangeEnd = dates[len(dates)-1].Format("2006-01-02T15:04:05")
		}
		if len(dates) >= 2 {
			s.Frequency, _ = detectFrequency(dates)
		}
	}

	for _, col := range mediaCols {
		if !tbl.HasColumn(col) {
			continue
		}
		total := sumSkipNaN(tbl.Floats(col))
		s.ChannelSpends[col] = total
		s.TotalMediaSpend += total
	}

	if m.TargetColumn != "" && tbl.HasColumn(m.TargetColumn) {
		if clean := dropNaN(tbl.Floats(m.TargetColumn)); len(clean) > 0 {
			s.AvgTargetValue = stat.Mean(clean, nil)
			s.TargetSum = sumSkipNaN(clean)
		}
	}

	return s
}

type dateGaps struct {
	found       bool
	count       int
	maxDays     int
	beforeFirst string
}

// detectDateGaps flags intervals longer than 1.5x the median interval.
func detectDateGaps(dates []time.Time) dateGaps {
	if len(dates) < 2 {
		return dateGaps{}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	diffs := make([]float64, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		diffs[i-1] = dates[i].Sub(dates[i-1]).Hours() / 24
	}
	threshold := median(diffs) * gapFactor

	out := dateGaps{}
	for i, d := range diffs {
		if d > threshold {
			if !out.found {
				out.found = true
				out.beforeFirst = dates[i].Format("2006-01-02")
			}
			out.count++
			if days := int(d); days > out.maxDays {
				out.maxDays = days
			}
		}
	}
	return out
}

// detectFrequency classifies the cadence from the median whole-day interval.
func detectFrequency(dates []time.Time) (string, float64) {
	if len(dates) < 2 {
		return "unknown", 0
	}
	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	days := make([]float64, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		days[i-1] = float64(int(sorted[i].Sub(sorted[i-1]).Hours() / 24))
	}
	med := median(days)

	switch {
	case med >= 1 && med <= 2:
		return "daily", med
	case med >= 5 && med <= 9:
		return "weekly", med
	case med >= 26 && med <= 35:
		return "monthly", med
	}
	return fmt.Sprintf("irregular (%.0f-day intervals)", med), med
}

func validTimes(tbl *tabular.Table, col string) []time.Time {
	vals, ok := tbl.Times(col)
	out := make([]time.Time, 0, len(vals))
	for i, v := range vals {
		if ok[i] {
			out = append(out, v)
		}
	}
	return out
}

func dropNaN(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func sumSkipNaN(xs []float64) float64 {
	var sum float64
	for _, v := range xs {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

func anyNegative(xs []float64) bool {
	for _, v := range xs {
		if v < 0 {
			return true
		}
	}
	return false
}

func pairwiseComplete(xs, ys []float64) ([]float64, []float64) {
	outX := make([]float64, 0, len(xs))
	outY := make([]float64, 0, len(ys))
	for i := range xs {
		if !math.IsNaN(xs[i]) && !math.IsNaN(ys[i]) {
			outX = append(outX, xs[i])
			outY = append(outY, ys[i])
		}
	}
	return outX, outY
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func ptr[T any](v T) *T { return &v }
