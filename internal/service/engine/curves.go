package engine

import (
	"math"

	"github.com/sorami-ai/sorami/internal/model"
)

// decayCurveWeeks is how many weeks of carryover the decay charts show.
const decayCurveWeeks = 12

// responseCurve builds the spend response curve for one channel: spend
// levels from zero to twice the observed maximum, with contribution
// following a diminishing-returns curve anchored so that the current
// mean spend maps onto the current mean contribution.
func responseCurve(meanContribution, meanSpend, maxSpend float64, points int) model.ResponseCurve {
	if points < 2 {
		points = 2
	}
	levels := linspace(0, maxSpend*2, points)

	contributions := make([]float64, len(levels))
	currentContribution := 0.0
	if meanSpend > 0 {
		for i, s := range levels {
			contributions[i] = diminishingReturns(meanContribution, s/meanSpend)
		}
		currentContribution = diminishingReturns(meanContribution, 1)
	}

	return model.ResponseCurve{
		SpendLevels:           levels,
		PredictedContribution: contributions,
		CurrentSpend:          meanSpend,
		CurrentContribution:   currentContribution,
	}
}

// diminishingReturns scales a reference contribution to a spend ratio,
// normalized so ratio 1 reproduces the reference value.
func diminishingReturns(reference, ratio float64) float64 {
	return reference * (1 - math.Exp(-ratio)) / (1 - math.Exp(-1))
}

// adstockDecayCurves derives the carryover weight per week since
// exposure from fitted adstock parameters: alpha^w for geometric,
// Weibull survival for weibull, and an immediate-only fallback when
// parameters are unusable. Weights are normalized to peak at 1.
func adstockDecayCurves(params []model.AdstockParams, maxWeeks int) map[string]model.AdstockDecayCurve {
	curves := make(map[string]model.AdstockDecayCurve, len(params))
	for _, p := range params {
		weeks := make([]int, maxWeeks)
		for w := range weeks {
			weeks[w] = w
		}

		weights := make([]float64, maxWeeks)
		switch {
		case p.Type == model.AdstockGeometric && p.Alpha != nil:
			for w := range weights {
				weights[w] = math.Pow(*p.Alpha, float64(w))
			}
		case p.Type == model.AdstockWeibull && p.Shape != nil && p.Scale != nil && *p.Shape > 0 && *p.Scale > 0:
			for w := range weights {
				weights[w] = math.Exp(-math.Pow(float64(w) / *p.Scale, *p.Shape))
			}
		default:
			weights[0] = 1
		}

		maxW := 0.0
		for _, w := range weights {
			maxW = math.Max(maxW, w)
		}
		if maxW > 0 {
			for i := range weights {
				weights[i] /= maxW
			}
		}

		curves[p.Channel] = model.AdstockDecayCurve{Weeks: weeks, DecayWeights: weights}
	}
	return curves
}

// linspace returns n evenly spaced values from lo to hi inclusive.
func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	out[n-1] = hi
	return out
}
