package results_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/service/results"
)

func fptr(v float64) *float64 { return &v }

func engineFixture() *model.EngineResults {
	return &model.EngineResults{
		Diagnostics: model.Diagnostics{
			RSquared:          0.91,
			MAPE:              6.2,
			RHatMax:           1.01,
			ESSMin:            1200,
			Divergences:       0,
			ConvergenceStatus: model.ConvergenceGood,
		},
		BaseSalesPct:        0.40,
		BaseSalesWeeklyMean: 22000,
		ChannelContributions: []model.ChannelContribution{
			{Channel: "TV", Mean: 9000, Median: 8900, HDI3: 7000, HDI97: 11000, ShareOfTotal: 0.60},
			{Channel: "Search", Mean: 6000, Median: 5900, HDI3: 4500, HDI97: 7500, ShareOfTotal: 0.40},
		},
		ChannelROAS: []model.ChannelROAS{
			{Channel: "TV", Mean: 2.10, Median: 2.05, HDI3: 1.50, HDI97: 2.70},
		},
		AdstockParams: []model.AdstockParams{
			{Channel: "TV", Type: model.AdstockGeometric, Alpha: fptr(0.55), MeanLagWeeks: 1.2},
		},
		SaturationParams: []model.SaturationParams{
			{Channel: "TV", Type: model.SaturationLogistic, Lam: fptr(2.0), SaturationPct: 0.72},
		},
		DecompositionTS: model.DecompositionTS{
			Dates:     []string{"2024-01-01", "2024-01-08"},
			Actual:    []float64{30000, 31000},
			Predicted: []float64{29500, 31200},
			Base:      []float64{22000, 22000},
			Channels:  map[string][]float64{"TV": {5000, 5500}, "Search": {2500, 3500}},
		},
		ResponseCurves: map[string]model.ResponseCurve{
			"TV": {SpendLevels: []float64{0, 1000}, PredictedContribution: []float64{0, 4000}, CurrentSpend: 500, CurrentContribution: 2500},
		},
		AdstockDecayCurves: map[string]model.AdstockDecayCurve{
			"TV": {Weeks: []int{0, 1, 2}, DecayWeights: []float64{1, 0.55, 0.3}},
		},
	}
}

func TestTransformJoinsChannels(t *testing.T) {
	ur, err := results.Transform(engineFixture())
	require.NoError(t, err)

	require.Len(t, ur.ChannelResults, 2)

	tv := ur.ChannelResults[0]
	require.Equal(t, "TV", tv.Channel)
	assert.Equal(t, 0.60, tv.ContributionShare)
	assert.Equal(t, 9000.0, tv.WeeklyContributionMean)
	assert.Equal(t, model.ROASSummary{Mean: 2.10, Median: 2.05, HDI3: 1.50, HDI97: 2.70}, tv.ROAS)
	require.NotNil(t, tv.AdstockParams.Alpha)
	assert.Equal(t, 0.55, *tv.AdstockParams.Alpha)
	assert.Equal(t, 1.2, tv.AdstockParams.MeanLagWeeks)
	require.NotNil(t, tv.SaturationParams.Lam)
	assert.Equal(t, 0.72, tv.SaturationPct)
	assert.NotEmpty(t, tv.Recommendation)
}

func TestTransformDefaultsForMissingSides(t *testing.T) {
	ur, err := results.Transform(engineFixture())
	require.NoError(t, err)

	// Search has a contribution but no ROAS, adstock or saturation rows.
	search := ur.ChannelResults[1]
	require.Equal(t, "Search", search.Channel)
	assert.Equal(t, model.ROASSummary{}, search.ROAS)
	assert.Equal(t, model.AdstockGeometric, search.AdstockParams.Type)
	assert.Nil(t, search.AdstockParams.Alpha)
	assert.Zero(t, search.AdstockParams.MeanLagWeeks)
	assert.Equal(t, model.SaturationLogistic, search.SaturationParams.Type)
	assert.Nil(t, search.SaturationParams.Lam)
	assert.Zero(t, search.SaturationPct)
	assert.Contains(t, search.Recommendation, "Search contributes 40%")
}

func TestTransformAttachesNarrative(t *testing.T) {
	ur, err := results.Transform(engineFixture())
	require.NoError(t, err)

	assert.Contains(t, ur.SummaryText, "## Marketing Mix Analysis Summary")
	assert.Contains(t, ur.SummaryText, "**TV is your most impactful channel**")
	assert.NotEmpty(t, ur.TopRecommendation)
}

func TestTransformPassesThroughSections(t *testing.T) {
	er := engineFixture()
	ur, err := results.Transform(er)
	require.NoError(t, err)

	assert.Equal(t, er.Diagnostics, ur.Diagnostics)
	assert.Equal(t, model.BaseSales{WeeklyMean: 22000, ShareOfTotal: 0.40}, ur.BaseSales)
	assert.Equal(t, er.DecompositionTS, ur.DecompositionTS)
	assert.Equal(t, er.ResponseCurves, ur.ResponseCurves)
	assert.Equal(t, er.AdstockDecayCurves, ur.AdstockDecayCurves)
}

func TestTransformNilCurvesBecomeEmptyMaps(t *testing.T) {
	er := engineFixture()
	er.ResponseCurves = nil
	er.AdstockDecayCurves = nil

	ur, err := results.Transform(er)
	require.NoError(t, err)

	require.NotNil(t, ur.ResponseCurves)
	require.NotNil(t, ur.AdstockDecayCurves)
	assert.Empty(t, ur.ResponseCurves)
	assert.Empty(t, ur.AdstockDecayCurves)
}

func TestTransformNilInput(t *testing.T) {
	_, err := results.Transform(nil)
	require.ErrorIs(t, err, results.ErrNilResults)
}

func TestTransformEmptyContributions(t *testing.T) {
	ur, err := results.Transform(&model.EngineResults{})
	require.NoError(t, err)

	assert.Empty(t, ur.ChannelResults)
	assert.Equal(t, "No channel results available.", ur.SummaryText)
	assert.Empty(t, ur.TopRecommendation)
}
