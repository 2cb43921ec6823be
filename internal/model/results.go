package model

// Convergence classification for a fitted model. Good means max R-hat
// ≤ 1.05 with zero divergent transitions, acceptable means max R-hat
// ≤ 1.10, anything else is poor.
const (
	ConvergenceGood       = "good"
	ConvergenceAcceptable = "acceptable"
	ConvergencePoor       = "poor"
)

// Diagnostics summarizes sampler health and fit quality.
type Diagnostics struct {
	RSquared          float64 `json:"r_squared"`
	MAPE              float64 `json:"mape"`
	RHatMax           float64 `json:"r_hat_max"`
	ESSMin            float64 `json:"ess_min"`
	Divergences       int     `json:"divergences"`
	ConvergenceStatus string  `json:"convergence_status"`
}

// ChannelContribution is the posterior summary of one channel's weekly
// contribution to the target.
type ChannelContribution struct {
	Channel      string  `json:"channel"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	HDI3         float64 `json:"hdi_3"`
	HDI97        float64 `json:"hdi_97"`
	ShareOfTotal float64 `json:"share_of_total"`
}

// ChannelROAS is the posterior summary of return on ad spend, defined as
// total posterior contribution divided by total observed spend.
type ChannelROAS struct {
	Channel string  `json:"channel"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	HDI3    float64 `json:"hdi_3"`
	HDI97   float64 `json:"hdi_97"`
}

// AdstockParams holds the posterior means of one channel's carryover
// transform. Alpha is set for geometric adstock, Shape and Scale for
// Weibull.
type AdstockParams struct {
	Channel      string   `json:"channel"`
	Type         string   `json:"type"`
	Alpha        *float64 `json:"alpha,omitempty"`
	Shape        *float64 `json:"shape,omitempty"`
	Scale        *float64 `json:"scale,omitempty"`
	MeanLagWeeks float64  `json:"mean_lag_weeks"`
}

// SaturationParams holds the posterior means of one channel's saturation
// transform (Lam for logistic, K and S for Hill) plus how far up its
// response curve the channel currently operates.
type SaturationParams struct {
	Channel       string   `json:"channel"`
	Type          string   `json:"type"`
	Lam           *float64 `json:"lam,omitempty"`
	K             *float64 `json:"k,omitempty"`
	S             *float64 `json:"s,omitempty"`
	SaturationPct float64  `json:"saturation_pct"`
}

// DecompositionTS is the fitted time-series decomposition: actual vs
// predicted with credible bounds, the base component, and one series per
// channel. All slices share the length of Dates.
type DecompositionTS struct {
	Dates             []string             `json:"dates"`
	Actual            []float64            `json:"actual"`
	Predicted         []float64            `json:"predicted"`
	PredictedHDILower []float64            `json:"predicted_hdi_lower"`
	PredictedHDIUpper []float64            `json:"predicted_hdi_upper"`
	Base              []float64            `json:"base"`
	Channels          map[string][]float64 `json:"channels"`
}

// ResponseCurve maps hypothetical spend levels to predicted weekly
// contribution for one channel, with the current operating point.
type ResponseCurve struct {
	SpendLevels           []float64 `json:"spend_levels"`
	PredictedContribution []float64 `json:"predicted_contribution"`
	CurrentSpend          float64   `json:"current_spend"`
	CurrentContribution   float64   `json:"current_contribution"`
}

// AdstockDecayCurve is the normalized carryover weight per week since
// exposure, peak scaled to 1.0.
type AdstockDecayCurve struct {
	Weeks        []int     `json:"weeks"`
	DecayWeights []float64 `json:"decay_weights"`
}

// EngineResults is the raw output of a successful fit, produced once per
// run and handed to the results transformer. The four per-channel slices
// key on the same channel set; share_of_total over ChannelContributions
// sums to ~1 excluding the base share.
type EngineResults struct {
	Diagnostics          Diagnostics                  `json:"diagnostics"`
	BaseSalesPct         float64                      `json:"base_sales_pct"`
	BaseSalesWeeklyMean  float64                      `json:"base_sales_weekly_mean"`
	ChannelContributions []ChannelContribution        `json:"channel_contributions"`
	ChannelROAS          []ChannelROAS                `json:"channel_roas"`
	AdstockParams        []AdstockParams              `json:"adstock_params"`
	SaturationParams     []SaturationParams           `json:"saturation_params"`
	DecompositionTS      DecompositionTS              `json:"decomposition_ts"`
	ResponseCurves       map[string]ResponseCurve     `json:"response_curves"`
	AdstockDecayCurves   map[string]AdstockDecayCurve `json:"adstock_decay_curves"`
}

// ROASSummary is the ROAS block of a unified channel record.
type ROASSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	HDI3   float64 `json:"hdi_3"`
	HDI97  float64 `json:"hdi_97"`
}

// AdstockSummary is the adstock block of a unified channel record.
type AdstockSummary struct {
	Type         string   `json:"type"`
	Alpha        *float64 `json:"alpha"`
	Shape        *float64 `json:"shape"`
	Scale        *float64 `json:"scale"`
	MeanLagWeeks float64  `json:"mean_lag_weeks"`
}

// SaturationSummary is the saturation block of a unified channel record.
type SaturationSummary struct {
	Type string   `json:"type"`
	Lam  *float64 `json:"lam"`
	K    *float64 `json:"k"`
	S    *float64 `json:"s"`
}

// ChannelResult joins contribution, ROAS, adstock and saturation for one
// channel into the record the frontend consumes.
type ChannelResult struct {
	Channel                string            `json:"channel"`
	ContributionShare      float64           `json:"contribution_share"`
	WeeklyContributionMean float64           `json:"weekly_contribution_mean"`
	ROAS                   ROASSummary       `json:"roas"`
	AdstockParams          AdstockSummary    `json:"adstock_params"`
	SaturationParams       SaturationSummary `json:"saturation_params"`
	SaturationPct          float64           `json:"saturation_pct"`
	Recommendation         string            `json:"recommendation"`
}

// BaseSales is the non-media component of the decomposition.
type BaseSales struct {
	WeeklyMean   float64 `json:"weekly_mean"`
	ShareOfTotal float64 `json:"share_of_total"`
}

// UnifiedResults is the persisted results document for a completed run:
// engine output reshaped per channel plus generated narrative text. This
// is the payload served verbatim by the results endpoint.
type UnifiedResults struct {
	Diagnostics        Diagnostics                  `json:"diagnostics"`
	BaseSales          BaseSales                    `json:"base_sales"`
	ChannelResults     []ChannelResult              `json:"channel_results"`
	DecompositionTS    DecompositionTS              `json:"decomposition_ts"`
	SummaryText        string                       `json:"summary_text"`
	TopRecommendation  string                       `json:"top_recommendation"`
	ResponseCurves     map[string]ResponseCurve     `json:"response_curves"`
	AdstockDecayCurves map[string]AdstockDecayCurve `json:"adstock_decay_curves"`
}
