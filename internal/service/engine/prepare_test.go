package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/service/engine"
	"github.com/sorami-ai/sorami/internal/tabular"
)

func mustTable(t *testing.T, csv string) *tabular.Table {
	t.Helper()
	tbl, err := tabular.ParseCSV(strings.NewReader(csv))
	require.NoError(t, err)
	return tbl
}

func weeklyMapping() model.ColumnMapping {
	return model.ColumnMapping{
		DateColumn:   "week",
		TargetColumn: "sales",
		MediaColumns: map[string]model.MediaColumnConfig{
			"tv_spend":     {ChannelName: "TV", SpendType: model.SpendTypeSpend},
			"search_spend": {ChannelName: "Search", SpendType: model.SpendTypeSpend},
		},
		ControlColumns: []string{"promo"},
	}
}

func prepare(t *testing.T, csv string, mapping model.ColumnMapping) *engine.PreparedData {
	t.Helper()
	eng := engine.NewSynthetic(model.RunConfig{})
	data, err := eng.Prepare(context.Background(), mustTable(t, csv), mapping)
	require.NoError(t, err)
	return data
}

func TestPrepareSortsByDate(t *testing.T) {
	csv := "week,sales,tv_spend,search_spend,promo\n" +
		"2024-01-21,5300,300,130,0\n" +
		"2024-01-07,5100,100,110,1\n" +
		"2024-01-14,5200,200,120,0\n"

	data := prepare(t, csv, weeklyMapping())

	require.Equal(t, 3, data.Rows())
	want := []time.Time{
		time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, want, data.Dates)

	// Values travel with their rows through the sort.
	assert.Equal(t, []float64{5100, 5200, 5300}, data.Target)
	assert.Equal(t, []float64{100, 200, 300}, data.Media["tv_spend"])
	assert.Equal(t, []float64{110, 120, 130}, data.Media["search_spend"])
	assert.Equal(t, []float64{1, 0, 0}, data.Controls["promo"])
}

func TestPrepareFillsGaps(t *testing.T) {
	mapping := weeklyMapping()
	mapping.ControlColumns = []string{"promo", "holiday"}

	csv := "week,sales,tv_spend,search_spend,promo,holiday\n" +
		"2024-01-07,5100,100,,1,\n" +
		"2024-01-14,,n/a,120,0,\n" +
		"2024-01-21,5300,300,130,oops,\n" +
		"2024-01-28,5400,310,140,1,\n"

	data := prepare(t, csv, mapping)

	// Mid-series gaps carry the previous value forward.
	assert.Equal(t, []float64{5100, 5100, 5300, 5400}, data.Target)
	assert.Equal(t, []float64{100, 100, 300, 310}, data.Media["tv_spend"])
	assert.Equal(t, []float64{1, 0, 0, 1}, data.Controls["promo"])

	// A leading gap takes the first real value that follows.
	assert.Equal(t, []float64{120, 120, 130, 140}, data.Media["search_spend"])

	// A column with no values at all falls back to zero.
	assert.Equal(t, []float64{0, 0, 0, 0}, data.Controls["holiday"])
}

func TestPrepareClampsNegativeSpend(t *testing.T) {
	csv := "week,sales,tv_spend,search_spend,promo\n" +
		"2024-01-07,5100,-50,110,-2\n" +
		"2024-01-14,5200,200,120,0\n"

	data := prepare(t, csv, weeklyMapping())

	assert.Equal(t, []float64{0, 200}, data.Media["tv_spend"])
	// Controls may legitimately go negative.
	assert.Equal(t, []float64{-2, 0}, data.Controls["promo"])
}

func TestPrepareKeepsOnlyMappedColumns(t *testing.T) {
	csv := "week,sales,tv_spend,search_spend,promo,notes\n" +
		"2024-01-07,5100,100,110,1,launch week\n"

	data := prepare(t, csv, weeklyMapping())

	assert.Equal(t, "week", data.DateColumn)
	assert.Equal(t, "sales", data.TargetColumn)
	assert.Equal(t, []string{"search_spend", "tv_spend"}, data.MediaColumns)
	assert.Equal(t, []string{"promo"}, data.ControlColumns)
	assert.Len(t, data.Media, 2)
	assert.Len(t, data.Controls, 1)
}

func TestPrepareIncompleteMapping(t *testing.T) {
	mapping := weeklyMapping()
	mapping.TargetColumn = ""

	eng := engine.NewSynthetic(model.RunConfig{})
	_, err := eng.Prepare(context.Background(), mustTable(t, "week\n2024-01-07\n"), mapping)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column mapping is incomplete")
}

func TestPrepareMissingColumn(t *testing.T) {
	csv := "week,sales,tv_spend,promo\n2024-01-07,5100,100,1\n"

	eng := engine.NewSynthetic(model.RunConfig{})
	_, err := eng.Prepare(context.Background(), mustTable(t, csv), weeklyMapping())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "search_spend" not found`)
}

func TestPrepareUnparseableDate(t *testing.T) {
	csv := "week,sales,tv_spend,search_spend,promo\n" +
		"2024-01-07,5100,100,110,1\n" +
		"someday,5200,200,120,0\n"

	eng := engine.NewSynthetic(model.RunConfig{})
	_, err := eng.Prepare(context.Background(), mustTable(t, csv), weeklyMapping())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unparseable date in column "week" at row 2`)
}

func TestPrepareEmptyTable(t *testing.T) {
	csv := "week,sales,tv_spend,search_spend,promo\n"

	eng := engine.NewSynthetic(model.RunConfig{})
	_, err := eng.Prepare(context.Background(), mustTable(t, csv), weeklyMapping())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset has no rows")
}
