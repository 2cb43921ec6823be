// Package tabular parses uploaded CSV files into an in-memory table with
// typed column views. Cells are kept as raw strings; numeric and date
// coercion is lenient and per-read, so a half-garbage column still yields
// whatever values do parse. Callers decide what parse ratio is acceptable.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are tried in order when parsing cells as timestamps.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"20060102",
}

// nullTokens are cell values treated as missing, compared case-insensitively
// after trimming.
var nullTokens = map[string]struct{}{
	"":     {},
	"na":   {},
	"n/a":  {},
	"#n/a": {},
	"nan":  {},
	"null": {},
	"none": {},
}

// Table is an immutable, column-addressable view of one parsed CSV file.
type Table struct {
	cols  []string
	index map[string]int
	rows  [][]string
}

// ColumnProfile describes one column for upload previews.
type ColumnProfile struct {
	Name         string
	Dtype        string // "numeric", "datetime" or "text"
	NullCount    int
	SampleValues []string
}

// ParseCSV reads an entire CSV document. The first record is the header and
// is required; ragged rows and duplicate column names are rejected. A UTF-8
// BOM on the first header cell is stripped.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("tabular: file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("tabular: read header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\uFEFF")

	index := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("tabular: duplicate column name %q", name)
		}
		index[name] = i
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tabular: read row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, rec)
	}

	return &Table{cols: header, index: index, rows: rows}, nil
}

// Columns returns the column names in file order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.cols))
	copy(out, t.cols)
	return out
}

// RowCount returns the number of data rows (header excluded).
func (t *Table) RowCount() int { return len(t.rows) }

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Cells returns the raw string cells of a column, or nil if it does not
// exist.
func (t *Table) Cells(name string) []string {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	out := make([]string, len(t.rows))
	for r, row := range t.rows {
		out[r] = row[i]
	}
	return out
}

// Floats coerces a column to float64, one entry per row, with NaN for
// missing or unparseable cells. Returns nil if the column does not exist.
func (t *Table) Floats(name string) []float64 {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	out := make([]float64, len(t.rows))
	for r, row := range t.rows {
		out[r] = parseFloat(row[i])
	}
	return out
}

// Times parses a column as timestamps. ok[i] is false where the cell is
// missing or no layout matched. Both slices are nil if the column does not
// exist.
func (t *Table) Times(name string) ([]time.Time, []bool) {
	i, colOK := t.index[name]
	if !colOK {
		return nil, nil
	}
	vals := make([]time.Time, len(t.rows))
	ok := make([]bool, len(t.rows))
	for r, row := range t.rows {
		vals[r], ok[r] = parseTime(row[i])
	}
	return vals, ok
}

// NumericRatio returns the fraction of rows whose cell parses as a number.
// Missing cells count as failures. Zero for an absent column or empty table.
func (t *Table) NumericRatio(name string) float64 {
	if len(t.rows) == 0 || !t.HasColumn(name) {
		return 0
	}
	n := 0
	for _, v := range t.Floats(name) {
		if !math.IsNaN(v) {
			n++
		}
	}
	return float64(n) / float64(len(t.rows))
}

// TimeRatio returns the fraction of rows whose cell parses as a timestamp.
func (t *Table) TimeRatio(name string) float64 {
	if len(t.rows) == 0 || !t.HasColumn(name) {
		return 0
	}
	_, ok := t.Times(name)
	n := 0
	for _, v := range ok {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(t.rows))
}

// NullCount returns the number of missing cells in a column.
func (t *Table) NullCount(name string) int {
	i, ok := t.index[name]
	if !ok {
		return 0
	}
	n := 0
	for _, row := range t.rows {
		if isNull(row[i]) {
			n++
		}
	}
	return n
}

// Profile builds the upload preview description of a column: a coarse dtype
// guess, the missing-cell count, and up to five non-null sample values.
func (t *Table) Profile(name string) ColumnProfile {
	p := ColumnProfile{Name: name, Dtype: "text", SampleValues: []string{}}
	i, ok := t.index[name]
	if !ok {
		return p
	}
	p.NullCount = t.NullCount(name)
	if t.NumericRatio(name) >= 0.8 {
		p.Dtype = "numeric"
	} else if t.TimeRatio(name) >= 0.8 {
		p.Dtype = "datetime"
	}
	for _, row := range t.rows {
		if len(p.SampleValues) == 5 {
			break
		}
		if !isNull(row[i]) {
			p.SampleValues = append(p.SampleValues, strings.TrimSpace(row[i]))
		}
	}
	return p
}

// PreviewRows returns up to n leading rows as column→cell maps.
func (t *Table) PreviewRows(n int) []map[string]string {
	if n > len(t.rows) {
		n = len(t.rows)
	}
	out := make([]map[string]string, 0, n)
	for r := 0; r < n; r++ {
		m := make(map[string]string, len(t.cols))
		for i, col := range t.cols {
			m[col] = t.rows[r][i]
		}
		out = append(out, m)
	}
	return out
}

func isNull(cell string) bool {
	_, ok := nullTokens[strings.ToLower(strings.TrimSpace(cell))]
	return ok
}

func parseFloat(cell string) float64 {
	if isNull(cell) {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseTime(cell string) (time.Time, bool) {
	s := strings.TrimSpace(cell)
	if isNull(s) {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			return v, true
		}
	}
	return time.Time{}, false
}
