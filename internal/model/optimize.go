package model

// OptimizationResult is the output of a budget optimization. Transient,
// computed on demand, never persisted. Allocations sums to the requested
// total budget within tolerance.
type OptimizationResult struct {
	Allocations                map[string]float64 `json:"allocations"`
	PredictedContributions     map[string]float64 `json:"predicted_contributions"`
	TotalPredictedContribution float64            `json:"total_predicted_contribution"`
	CurrentAllocations         map[string]float64 `json:"current_allocations"`
	CurrentContributions       map[string]float64 `json:"current_contributions"`
	TotalCurrentContribution   float64            `json:"total_current_contribution"`
	ImprovementPct             float64            `json:"improvement_pct"`
}
