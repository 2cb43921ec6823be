package summary_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/service/summary"
)

func fptr(v float64) *float64 { return &v }

// threeChannelResults covers every narrative branch: TV saturated past its
// ceiling, Search with strong ROAS and headroom, Radio below break-even on
// a Weibull adstock.
func threeChannelResults() *model.EngineResults {
	return &model.EngineResults{
		Diagnostics: model.Diagnostics{
			RSquared:          0.87,
			MAPE:              8.3,
			RHatMax:           1.02,
			ESSMin:            950,
			Divergences:       0,
			ConvergenceStatus: model.ConvergenceGood,
		},
		BaseSalesPct:        0.35,
		BaseSalesWeeklyMean: 14000,
		ChannelContributions: []model.ChannelContribution{
			{Channel: "TV", Mean: 12500, Median: 12400, HDI3: 9000, HDI97: 16000, ShareOfTotal: 0.50},
			{Channel: "Search", Mean: 8750, Median: 8700, HDI3: 6000, HDI97: 11500, ShareOfTotal: 0.35},
			{Channel: "Radio", Mean: 3750, Median: 3700, HDI3: 1500, HDI97: 6000, ShareOfTotal: 0.15},
		},
		ChannelROAS: []model.ChannelROAS{
			{Channel: "TV", Mean: 1.80, Median: 1.75, HDI3: 1.20, HDI97: 2.40},
			{Channel: "Search", Mean: 4.20, Median: 4.10, HDI3: 3.10, HDI97: 5.30},
			{Channel: "Radio", Mean: 0.60, Median: 0.55, HDI3: 0.20, HDI97: 1.00},
		},
		AdstockParams: []model.AdstockParams{
			{Channel: "TV", Type: model.AdstockGeometric, Alpha: fptr(0.65), MeanLagWeeks: 1.9},
			{Channel: "Search", Type: model.AdstockGeometric, Alpha: fptr(0.30), MeanLagWeeks: 0.4},
			{Channel: "Radio", Type: model.AdstockWeibull, Shape: fptr(1.5), Scale: fptr(2.0), MeanLagWeeks: 2.0},
		},
		SaturationParams: []model.SaturationParams{
			{Channel: "TV", Type: model.SaturationLogistic, Lam: fptr(2.1), SaturationPct: 0.90},
			{Channel: "Search", Type: model.SaturationLogistic, Lam: fptr(1.4), SaturationPct: 0.40},
			{Channel: "Radio", Type: model.SaturationLogistic, Lam: fptr(1.8), SaturationPct: 0.65},
		},
	}
}

func TestGenerateFullText(t *testing.T) {
	text, _ := summary.Generate(threeChannelResults())

	expected := strings.Join([]string{
		"## Marketing Mix Analysis Summary\n",
		"**Your marketing drove 65% of total revenue**, with the remaining 35% coming from baseline demand (brand strength, organic traffic, seasonal patterns).\n",
		"**TV is your most impactful channel**, contributing 50% of marketing-driven revenue. For every dollar spent on TV, you generated approximately $1.80 in return (94% confidence: $1.20 - $2.40).\n",
		"**Highest ROI channel: Search** with a return of $4.20 per dollar spent.\n",
		"### Channel Rankings by Contribution:\n",
		"1. **TV**: 50% of marketing effect (ROAS: $1.80) - Approaching saturation",
		"2. **Search**: 35% of marketing effect (ROAS: $4.20)",
		"3. **Radio**: 15% of marketing effect (ROAS: $0.60)",
		"",
		"### Channel Effect Duration:\n",
		"- **TV**: Effects last ~1.9 weeks (65% weekly retention)",
		"- **Search**: Effects last ~0.4 weeks (30% weekly retention)",
		"- **Radio**: Effects centered around 2.0 weeks",
		"",
		"### Key Recommendations:\n",
		"- **Reduce TV** spend -- channel is 90% saturated. Reallocate to higher-marginal-return channels.\n" +
			"- **Increase Search** spend -- strong ROAS ($4.20) with room to grow (40% saturation).\n" +
			"- **Reconsider Radio** -- ROAS below 1.0 ($0.60). Consider reducing or reallocating budget.",
		"\n### Model Quality:\n",
		"- Convergence: Strong",
		"- R-squared: 0.87",
		"- Mean Absolute % Error: 8.3%",
	}, "\n")

	require.Equal(t, expected, text)
}

func TestGenerateTopRecommendationShift(t *testing.T) {
	_, top := summary.Generate(threeChannelResults())

	// TV is the most saturated and past 70%, Search has the best
	// roas x headroom score, so the advice is to move budget.
	require.Equal(t, "Shift budget from TV (saturated at 90%) to Search for higher marginal returns.", top)
}

func TestGenerateEmptyResults(t *testing.T) {
	text, top := summary.Generate(&model.EngineResults{})

	require.Equal(t, "No channel results available.", text)
	require.Empty(t, top)
}

func TestGenerateTopChannelWithoutROAS(t *testing.T) {
	er := threeChannelResults()
	er.ChannelROAS = nil

	text, _ := summary.Generate(er)

	assert.Contains(t, text, "**TV is your most impactful channel**, contributing 50% of marketing-driven revenue.\n")
	assert.NotContains(t, text, "For every dollar spent")
	assert.NotContains(t, text, "Highest ROI channel")
	assert.Contains(t, text, "1. **TV**: 50% of marketing effect (ROAS: N/A) - Approaching saturation")
}

func TestGenerateNoHighestROILineWhenTopChannelLeads(t *testing.T) {
	er := threeChannelResults()
	for i := range er.ChannelROAS {
		if er.ChannelROAS[i].Channel == "TV" {
			er.ChannelROAS[i].Mean = 9.99
		}
	}

	text, _ := summary.Generate(er)

	assert.NotContains(t, text, "Highest ROI channel")
}

func TestGenerateBalancedPortfolio(t *testing.T) {
	er := &model.EngineResults{
		Diagnostics: model.Diagnostics{
			RSquared:          0.80,
			ConvergenceStatus: model.ConvergenceGood,
		},
		BaseSalesPct: 0.40,
		ChannelContributions: []model.ChannelContribution{
			{Channel: "Brand", Mean: 5000, ShareOfTotal: 1.0},
		},
		ChannelROAS: []model.ChannelROAS{
			{Channel: "Brand", Mean: 1.50, HDI3: 1.00, HDI97: 2.00},
		},
		SaturationParams: []model.SaturationParams{
			{Channel: "Brand", Type: model.SaturationLogistic, SaturationPct: 0.30},
		},
	}

	text, top := summary.Generate(er)

	assert.Contains(t, text, "- Current allocation appears balanced. Monitor trends over time.")
	require.Equal(t, "Increase Brand investment -- best opportunity with $1.50 ROAS and room to grow.", top)
}

func TestGenerateTopRecommendationFallback(t *testing.T) {
	er := &model.EngineResults{
		ChannelContributions: []model.ChannelContribution{
			{Channel: "TV", ShareOfTotal: 1.0},
		},
	}

	// No ROAS and no saturation data leaves nothing to act on.
	_, top := summary.Generate(er)

	require.Equal(t, "Current budget allocation appears well-balanced.", top)
}

func TestGenerateModelQualityVariants(t *testing.T) {
	er := threeChannelResults()
	er.Diagnostics.ConvergenceStatus = model.ConvergenceAcceptable
	er.Diagnostics.MAPE = 0
	er.Diagnostics.Divergences = 12

	text, _ := summary.Generate(er)

	assert.Contains(t, text, "- Convergence: Acceptable")
	assert.NotContains(t, text, "Mean Absolute % Error")
	assert.Contains(t, text, "- Warning: 12 divergent transitions detected. Consider running with more samples.")
}

func TestGenerateUnknownConvergencePassesThrough(t *testing.T) {
	er := threeChannelResults()
	er.Diagnostics.ConvergenceStatus = "diverged"

	text, _ := summary.Generate(er)

	assert.Contains(t, text, "- Convergence: diverged")
}

func TestGenerateSaturationMarkerRequiresAboveEighty(t *testing.T) {
	er := threeChannelResults()
	for i := range er.SaturationParams {
		er.SaturationParams[i].SaturationPct = 0.80
	}

	text, _ := summary.Generate(er)

	assert.NotContains(t, text, "Approaching saturation")
}

func TestGenerateRankingSortsByShare(t *testing.T) {
	er := threeChannelResults()
	// Contributions arrive unsorted from the engine.
	er.ChannelContributions[0], er.ChannelContributions[2] = er.ChannelContributions[2], er.ChannelContributions[0]

	text, _ := summary.Generate(er)

	first := strings.Index(text, "1. **TV**")
	second := strings.Index(text, "2. **Search**")
	third := strings.Index(text, "3. **Radio**")
	require.True(t, first >= 0 && second >= 0 && third >= 0)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

func TestChannelInterpretations(t *testing.T) {
	interp := summary.ChannelInterpretations(threeChannelResults())

	require.Len(t, interp, 3)

	require.Equal(t,
		"TV contributes 50% of total marketing-driven revenue (weekly mean: $12,500). "+
			"Return on ad spend is $1.80 per dollar (94% CI: $1.20 - $2.40). "+
			"Advertising effects decay with 65% weekly retention, meaning effects last approximately 1.9 weeks. "+
			"This channel is at 90% saturation -- near its ceiling. Additional spend will yield diminishing returns. "+
			"Recommendation: Reduce spend. Channel is near saturation ceiling.",
		interp["TV"])

	require.Equal(t,
		"Search contributes 35% of total marketing-driven revenue (weekly mean: $8,750). "+
			"Return on ad spend is $4.20 per dollar (94% CI: $3.10 - $5.30). "+
			"Advertising effects decay with 30% weekly retention, meaning effects last approximately 0.4 weeks. "+
			"This channel is at 40% saturation -- significant room for increased spend. "+
			"Recommendation: Increase spend. Strong returns with room to grow.",
		interp["Search"])

	// Weibull adstock gets no decay sentence.
	require.Equal(t,
		"Radio contributes 15% of total marketing-driven revenue (weekly mean: $3,750). "+
			"Return on ad spend is $0.60 per dollar (94% CI: $0.20 - $1.00). "+
			"This channel is at 65% saturation -- moderate room for growth. "+
			"Recommendation: Consider reducing or reallocating budget. ROAS below break-even.",
		interp["Radio"])
}

func TestChannelInterpretationsMaintainBranches(t *testing.T) {
	er := &model.EngineResults{
		ChannelContributions: []model.ChannelContribution{
			{Channel: "Print", Mean: 1200, ShareOfTotal: 0.20},
			{Channel: "OOH", Mean: 900, ShareOfTotal: 0.10},
		},
		ChannelROAS: []model.ChannelROAS{
			{Channel: "Print", Mean: 1.20, HDI3: 0.80, HDI97: 1.60},
			{Channel: "OOH", Mean: 1.10, HDI3: 0.70, HDI97: 1.50},
		},
		SaturationParams: []model.SaturationParams{
			{Channel: "Print", Type: model.SaturationLogistic, SaturationPct: 0.50},
			{Channel: "OOH", Type: model.SaturationLogistic, SaturationPct: 0.75},
		},
	}

	interp := summary.ChannelInterpretations(er)

	assert.Contains(t, interp["Print"], "Recommendation: Maintain current spend. Healthy returns with growth headroom.")
	assert.Contains(t, interp["OOH"], "Recommendation: Maintain current spend. Returns are positive but approaching saturation.")
}

func TestChannelInterpretationsCommaGrouping(t *testing.T) {
	er := &model.EngineResults{
		ChannelContributions: []model.ChannelContribution{
			{Channel: "TV", Mean: 1234567, ShareOfTotal: 0.60},
		},
	}

	interp := summary.ChannelInterpretations(er)

	assert.Contains(t, interp["TV"], "(weekly mean: $1,234,567).")
}

func TestChannelInterpretationsZeroAlphaSkipsDecay(t *testing.T) {
	er := threeChannelResults()
	for i := range er.AdstockParams {
		if er.AdstockParams[i].Channel == "Search" {
			er.AdstockParams[i].Alpha = fptr(0)
		}
	}

	interp := summary.ChannelInterpretations(er)

	assert.NotContains(t, interp["Search"], "weekly retention")
}
