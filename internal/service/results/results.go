// Package results reshapes raw engine output into the unified document
// the API serves and the frontend consumes.
package results

import (
	"errors"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/service/summary"
)

// ErrNilResults is returned when the engine handed back nothing to
// transform.
var ErrNilResults = errors.New("results: nil engine results")

// Transform joins the engine's four per-channel arrays into unified
// channel records keyed by channel name, filling zero or null defaults
// for any side the engine omitted, and attaches the generated narrative.
// Diagnostics, base sales, the decomposition and both curve families pass
// through unchanged.
func Transform(er *model.EngineResults) (*model.UnifiedResults, error) {
	if er == nil {
		return nil, ErrNilResults
	}

	summaryText, topRecommendation := summary.Generate(er)
	interpretations := summary.ChannelInterpretations(er)

	roasByCh := make(map[string]model.ChannelROAS, len(er.ChannelROAS))
	for _, r := range er.ChannelROAS {
		roasByCh[r.Channel] = r
	}
	adstockByCh := make(map[string]model.AdstockParams, len(er.AdstockParams))
	for _, a := range er.AdstockParams {
		adstockByCh[a.Channel] = a
	}
	satByCh := make(map[string]model.SaturationParams, len(er.SaturationParams))
	for _, s := range er.SaturationParams {
		satByCh[s.Channel] = s
	}

	channelResults := make([]model.ChannelResult, 0, len(er.ChannelContributions))
	for _, cc := range er.ChannelContributions {
		cr := model.ChannelResult{
			Channel:                cc.Channel,
			ContributionShare:      cc.ShareOfTotal,
			WeeklyContributionMean: cc.Mean,
			AdstockParams:          model.AdstockSummary{Type: model.AdstockGeometric},
			SaturationParams:       model.SaturationSummary{Type: model.SaturationLogistic},
			Recommendation:         interpretations[cc.Channel],
		}
		if roas, ok := roasByCh[cc.Channel]; ok {
			cr.ROAS = model.ROASSummary{Mean: roas.Mean, Median: roas.Median, HDI3: roas.HDI3, HDI97: roas.HDI97}
		}
		if a, ok := adstockByCh[cc.Channel]; ok {
			cr.AdstockParams = model.AdstockSummary{
				Type:         a.Type,
				Alpha:        a.Alpha,
				Shape:        a.Shape,
				Scale:        a.Scale,
				MeanLagWeeks: a.MeanLagWeeks,
			}
		}
		if s, ok := satByCh[cc.Channel]; ok {
			cr.SaturationParams = model.SaturationSummary{Type: s.Type, Lam: s.Lam, K: s.K, S: s.S}
			cr.SaturationPct = s.SaturationPct
		}
		channelResults = append(channelResults, cr)
	}

	responseCurves := er.ResponseCurves
	if responseCurves == nil {
		responseCurves = map[string]model.ResponseCurve{}
	}
	decayCurves := er.AdstockDecayCurves
	if decayCurves == nil {
		decayCurves = map[string]model.AdstockDecayCurve{}
	}

	return &model.UnifiedResults{
		Diagnostics: er.Diagnostics,
		BaseSales: model.BaseSales{
			WeeklyMean:   er.BaseSalesWeeklyMean,
			ShareOfTotal: er.BaseSalesPct,
		},
		ChannelResults:     channelResults,
		DecompositionTS:    er.DecompositionTS,
		SummaryText:        summaryText,
		TopRecommendation:  topRecommendation,
		ResponseCurves:     responseCurves,
		AdstockDecayCurves: decayCurves,
	}, nil
}
