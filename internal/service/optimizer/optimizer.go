// Package optimizer reallocates a fixed media budget across channels to
// maximize total predicted contribution, using the response curves of a
// fitted model. The curves are treated as piecewise-linear interpolants
// and the allocation is solved by projected gradient ascent on the
// budget simplex with per-channel box bounds.
package optimizer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"

	"github.com/sorami-ai/sorami/internal/model"
)

// ErrNoResponseCurves is returned when optimization is requested for a
// run that produced no response curves.
var ErrNoResponseCurves = errors.New("optimizer: No response curves available for optimization")

const (
	maxIterations  = 500
	bisectionSteps = 100
)

// Optimizer solves constrained budget allocation over response curves.
type Optimizer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Optimizer {
	return &Optimizer{logger: logger}
}

// Optimize maximizes total predicted contribution subject to the
// allocation summing to totalBudget and staying inside per-channel
// bounds. Bounds default to [0, totalBudget]. The initial guess is
// proportional to current observed spend, or a uniform split when no
// channel has current spend. A run that stops improving before the
// iteration cap is converged; hitting the cap logs a warning but the
// best allocation found is still returned.
func (o *Optimizer) Optimize(curves map[string]model.ResponseCurve, totalBudget float64, minPer, maxPer map[string]float64) (*model.OptimizationResult, error) {
	if len(curves) == 0 {
		return nil, ErrNoResponseCurves
	}

	channels := make([]string, 0, len(curves))
	for ch := range curves {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	n := len(channels)
	interpolants := make([]interp.PiecewiseLinear, n)
	lo := make([]float64, n)
	hi := make([]float64, n)
	current := make([]float64, n)

	for i, ch := range channels {
		curve := curves[ch]
		if err := interpolants[i].Fit(curve.SpendLevels, curve.PredictedContribution); err != nil {
			return nil, fmt.Errorf("optimizer: fit response curve for %s: %w", ch, err)
		}
		current[i] = curve.CurrentSpend

		lo[i] = 0
		if v, ok := minPer[ch]; ok {
			lo[i] = v
		}
		hi[i] = totalBudget
		if v, ok := maxPer[ch]; ok {
			hi[i] = v
		}
		if lo[i] > hi[i] {
			return nil, fmt.Errorf("optimizer: invalid bounds for %s: min %.2f exceeds max %.2f", ch, lo[i], hi[i])
		}
	}

	sumLo, sumHi := 0.0, 0.0
	for i := range channels {
		sumLo += lo[i]
		sumHi += hi[i]
	}
	if sumLo > totalBudget || sumHi < totalBudget {
		return nil, fmt.Errorf("optimizer: infeasible bounds: channel minimums total %.2f and maximums total %.2f for budget %.2f", sumLo, sumHi, totalBudget)
	}

	objective := func(x []float64) float64 {
		total := 0.0
		for i := range x {
			total += interpolants[i].Predict(x[i])
		}
		return total
	}

	x := initialGuess(current, totalBudget)
	project(x, lo, hi, totalBudget)
	fx := objective(x)

	h := math.Max(totalBudget*1e-6, 1e-9)
	step := math.Max(totalBudget, 1.0)
	minStep := step * 1e-10

	converged := false
	grad := make([]float64, n)
	cand := make([]float64, n)
	for iter := 0; iter < maxIterations; iter++ {
		for i := range grad {
			grad[i] = (interpolants[i].Predict(x[i]+h) - interpolants[i].Predict(x[i]-h)) / (2 * h)
		}

		// Backtracking line search over the projected step. No step
		// size improving the objective means a projected stationary
		// point, which is the optimum for these concave curves.
		improved := false
		for s := step; s >= minStep; s /= 2 {
			for i := range cand {
				cand[i] = x[i] + s*grad[i]
			}
			project(cand, lo, hi, totalBudget)
			if fc := objective(cand); fc > fx {
				copy(x, cand)
				fx = fc
				step = s * 2
				improved = true
				break
			}
		}
		if !improved {
			converged = true
			break
		}
	}
	if !converged {
		o.logger.Warn("budget optimization did not converge",
			"iterations", maxIterations,
			"total_budget", totalBudget,
			"channels", n,
		)
	}

	allocations := make(map[string]float64, n)
	predicted := make(map[string]float64, n)
	currentAlloc := make(map[string]float64, n)
	currentContrib := make(map[string]float64, n)
	totalPredicted, totalCurrent := 0.0, 0.0
	for i, ch := range channels {
		allocations[ch] = x[i]
		predicted[ch] = interpolants[i].Predict(x[i])
		totalPredicted += predicted[ch]

		currentAlloc[ch] = curves[ch].CurrentSpend
		currentContrib[ch] = curves[ch].CurrentContribution
		totalCurrent += curves[ch].CurrentContribution
	}

	improvementPct := 0.0
	if totalCurrent != 0 {
		improvementPct = (totalPredicted - totalCurrent) / totalCurrent * 100
	}

	return &model.OptimizationResult{
		Allocations:                allocations,
		PredictedContributions:     predicted,
		TotalPredictedContribution: totalPredicted,
		CurrentAllocations:         currentAlloc,
		CurrentContributions:       currentContrib,
		TotalCurrentContribution:   totalCurrent,
		ImprovementPct:             improvementPct,
	}, nil
}

// initialGuess splits the budget proportionally to current spend, or
// uniformly when nothing is currently spent.
func initialGuess(current []float64, totalBudget float64) []float64 {
	n := len(current)
	x := make([]float64, n)
	sumCurrent := 0.0
	for _, c := range current {
		sumCurrent += c
	}
	if sumCurrent > 0 {
		for i, c := range current {
			x[i] = totalBudget * c / sumCurrent
		}
		return x
	}
	for i := range x {
		x[i] = totalBudget / float64(n)
	}
	return x
}

// project moves x in place onto {sum(x) = budget, lo <= x <= hi} by
// bisecting on a uniform shift nu: each coordinate becomes
// clamp(x[i]+nu, lo[i], hi[i]), and the clamped sum is nondecreasing in
// nu, so bisection finds the shift that lands the sum on the budget.
// Requires sum(lo) <= budget <= sum(hi).
func project(x, lo, hi []float64, budget float64) {
	nuLo, nuHi := math.Inf(1), math.Inf(-1)
	for i := range x {
		nuLo = math.Min(nuLo, lo[i]-x[i])
		nuHi = math.Max(nuHi, hi[i]-x[i])
	}

	clampedSum := func(nu float64) float64 {
		total := 0.0
		for i := range x {
			total += clamp(x[i]+nu, lo[i], hi[i])
		}
		return total
	}
	for range bisectionSteps {
		nu := (nuLo + nuHi) / 2
		if clampedSum(nu) < budget {
			nuLo = nu
		} else {
			nuHi = nu
		}
	}

	nu := (nuLo + nuHi) / 2
	for i := range x {
		x[i] = clamp(x[i]+nu, lo[i], hi[i])
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
