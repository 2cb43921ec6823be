package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/tabular"
)

const (
	defaultDraws  = 2000
	defaultChains = 4

	// lagWindow is the adstock carryover window in weeks.
	lagWindow = 8

	// hdiZ is the normal quantile for the central 94% credible
	// interval (3rd to 97th percentile).
	hdiZ = 1.8808

	// ridgeLambda keeps the regression solvable when channel series
	// are collinear. Small enough not to bias a well-posed fit.
	ridgeLambda = 1e-6

	syntheticRHat = 1.01

	weibullShape = 1.4
	weibullScale = 2.0
)

// ClassifyConvergence maps sampler health onto the three-level status
// reported in diagnostics: good when max R-hat is at most 1.05 with no
// divergent transitions, acceptable up to 1.10, else poor.
func ClassifyConvergence(rHatMax float64, divergences int) string {
	switch {
	case rHatMax <= 1.05 && divergences == 0:
		return model.ConvergenceGood
	case rHatMax <= 1.10:
		return model.ConvergenceAcceptable
	default:
		return model.ConvergencePoor
	}
}

// Synthetic is the in-process engine: a deterministic approximation of
// the Bayesian fit used for development, tests and environments without
// a modeling sidecar. Media series go through an adstock carryover and
// a saturating transform, channel effects come from a ridge-regularized
// least-squares decomposition of the target, and credible bounds derive
// from the residual spread under a symmetric posterior approximation.
// The same inputs always produce the same results.
type Synthetic struct {
	cfg model.RunConfig

	data  *PreparedData
	built bool

	fitted         bool
	adstockType    string
	saturationType string
	alphas         map[string]float64
	meanAdstocked  map[string]float64
	saturated      map[string][]float64
	intercept      float64
	coeffs         map[string]float64
	ctrlCoeffs     map[string]float64
	contributions  map[string][]float64
	residStd       float64
	rSquared       float64
}

// NewSynthetic creates a synthetic engine for one run.
func NewSynthetic(cfg model.RunConfig) *Synthetic {
	return &Synthetic{cfg: cfg}
}

// Prepare cleans the raw table into engine-ready series.
func (s *Synthetic) Prepare(_ context.Context, tbl *tabular.Table, mapping model.ColumnMapping) (*PreparedData, error) {
	return prepareData(tbl, mapping)
}

// Build validates the model configuration against the prepared data.
func (s *Synthetic) Build(_ context.Context, data *PreparedData) error {
	if data == nil || data.Rows() == 0 {
		return fmt.Errorf("engine: no prepared data to build from")
	}

	s.adstockType = s.cfg.AdstockType
	if s.adstockType == "" {
		s.adstockType = model.AdstockGeometric
	}
	if s.adstockType != model.AdstockGeometric && s.adstockType != model.AdstockWeibull {
		return fmt.Errorf("engine: unsupported adstock type %q", s.cfg.AdstockType)
	}

	s.saturationType = s.cfg.SaturationType
	if s.saturationType == "" {
		s.saturationType = model.SaturationLogistic
	}
	if s.saturationType != model.SaturationLogistic && s.saturationType != model.SaturationHill {
		return fmt.Errorf("engine: unsupported saturation type %q", s.cfg.SaturationType)
	}

	s.data = data
	s.built = true
	return nil
}

// Fit runs the deterministic decomposition, reporting progress the way
// a sampling engine would: start, per-chain steps, completion.
func (s *Synthetic) Fit(ctx context.Context, data *PreparedData, progress ProgressFunc) error {
	if !s.built {
		return fmt.Errorf("engine: model not built")
	}
	if data != nil {
		s.data = data
	}
	if progress == nil {
		progress = func(int, string) {}
	}

	draws := s.cfg.NSamples
	if draws <= 0 {
		draws = defaultDraws
	}
	chains := s.cfg.NChains
	if chains <= 0 {
		chains = defaultChains
	}

	progress(5, "Starting MCMC sampling...")
	progress(10, fmt.Sprintf("Sampling: %d draws x %d chains...", draws, chains))

	s.applyTransforms()

	for c := range chains {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress(10+(c+1)*70/chains, fmt.Sprintf("Sampling chain %d/%d...", c+1, chains))
	}

	if err := s.solve(); err != nil {
		return err
	}

	progress(85, "Sampling complete, extracting results...")
	s.fitted = true
	return nil
}

// applyTransforms computes the adstock carryover and the saturating
// transform for every media series.
func (s *Synthetic) applyTransforms() {
	d := s.data
	s.alphas = make(map[string]float64, len(d.MediaColumns))
	s.meanAdstocked = make(map[string]float64, len(d.MediaColumns))
	s.saturated = make(map[string][]float64, len(d.MediaColumns))

	for _, ch := range d.MediaColumns {
		spend := d.Media[ch]

		var weights []float64
		if s.adstockType == model.AdstockGeometric {
			alpha := spendCarryover(spend)
			s.alphas[ch] = alpha
			weights = make([]float64, lagWindow)
			for w := range weights {
				weights[w] = math.Pow(alpha, float64(w))
			}
		} else {
			weights = make([]float64, lagWindow)
			for w := range weights {
				weights[w] = math.Exp(-math.Pow(float64(w)/weibullScale, weibullShape))
			}
		}

		adstocked := make([]float64, len(spend))
		for t := range spend {
			for w := 0; w < lagWindow && w <= t; w++ {
				adstocked[t] += weights[w] * spend[t-w]
			}
		}

		meanA := stat.Mean(adstocked, nil)
		s.meanAdstocked[ch] = meanA
		sat := make([]float64, len(adstocked))
		if meanA > 0 {
			for t, a := range adstocked {
				sat[t] = 1 - math.Exp(-a/meanA)
			}
		}
		s.saturated[ch] = sat
	}
}

// spendCarryover estimates the geometric retention rate from the lag-1
// autocorrelation of the spend series, clamped to a stable range.
func spendCarryover(spend []float64) float64 {
	if len(spend) < 3 {
		return 0.5
	}
	r := stat.Correlation(spend[:len(spend)-1], spend[1:], nil)
	if math.IsNaN(r) {
		return 0.5
	}
	return math.Min(math.Max(r, 0.05), 0.95)
}

// solve decomposes the target over the transformed media and control
// series with a ridge-regularized least-squares fit. Negative media
// coefficients are clamped to zero so channel contributions stay
// non-negative.
func (s *Synthetic) solve() error {
	d := s.data
	n := d.Rows()
	cols := 1 + len(d.MediaColumns) + len(d.ControlColumns)

	a := mat.NewDense(n+cols, cols, nil)
	b := mat.NewVecDense(n+cols, nil)
	for t := 0; t < n; t++ {
		a.Set(t, 0, 1)
		for j, ch := range d.MediaColumns {
			a.Set(t, 1+j, s.saturated[ch][t])
		}
		for j, col := range d.ControlColumns {
			a.Set(t, 1+len(d.MediaColumns)+j, d.Controls[col][t])
		}
		b.SetVec(t, d.Target[t])
	}
	penalty := math.Sqrt(ridgeLambda)
	for j := 0; j < cols; j++ {
		a.Set(n+j, j, penalty)
	}

	var qr mat.QR
	qr.Factorize(a)
	beta := mat.NewDense(cols, 1, nil)
	if err := qr.SolveTo(beta, false, b); err != nil {
		return fmt.Errorf("engine: solve decomposition: %w", err)
	}

	s.intercept = beta.At(0, 0)
	s.coeffs = make(map[string]float64, len(d.MediaColumns))
	s.contributions = make(map[string][]float64, len(d.MediaColumns))
	for j, ch := range d.MediaColumns {
		coeff := math.Max(beta.At(1+j, 0), 0)
		s.coeffs[ch] = coeff
		contrib := make([]float64, n)
		for t := range contrib {
			contrib[t] = coeff * s.saturated[ch][t]
		}
		s.contributions[ch] = contrib
	}
	s.ctrlCoeffs = make(map[string]float64, len(d.ControlColumns))
	for j, col := range d.ControlColumns {
		s.ctrlCoeffs[col] = beta.At(1+len(d.MediaColumns)+j, 0)
	}

	residuals := make([]float64, n)
	ssRes, ssTot := 0.0, 0.0
	targetMean := stat.Mean(d.Target, nil)
	for t := 0; t < n; t++ {
		pred := s.intercept
		for _, ch := range d.MediaColumns {
			pred += s.contributions[ch][t]
		}
		for _, col := range d.ControlColumns {
			pred += s.ctrlCoeffs[col] * d.Controls[col][t]
		}
		residuals[t] = d.Target[t] - pred
		ssRes += residuals[t] * residuals[t]
		ssTot += (d.Target[t] - targetMean) * (d.Target[t] - targetMean)
	}

	s.residStd = 0
	if n >= 2 {
		if sd := stat.StdDev(residuals, nil); !math.IsNaN(sd) {
			s.residStd = sd
		}
	}
	s.rSquared = 0
	if ssTot > 0 {
		s.rSquared = math.Max(0, 1-ssRes/ssTot)
	}
	return nil
}

// Extract computes posterior summaries from the fitted decomposition.
func (s *Synthetic) Extract(_ context.Context) (*model.EngineResults, error) {
	if !s.fitted {
		return nil, fmt.Errorf("engine: model not fitted")
	}

	d := s.data
	n := d.Rows()
	draws := s.cfg.NSamples
	if draws <= 0 {
		draws = defaultDraws
	}
	chains := s.cfg.NChains
	if chains <= 0 {
		chains = defaultChains
	}

	diagnostics := model.Diagnostics{
		RSquared:          s.rSquared,
		RHatMax:           syntheticRHat,
		ESSMin:            float64(draws*chains) / 2,
		Divergences:       0,
		ConvergenceStatus: ClassifyConvergence(syntheticRHat, 0),
	}

	meanSE := s.residStd / math.Sqrt(float64(n))
	contributions := make([]model.ChannelContribution, 0, len(d.MediaColumns))
	totalContribution := 0.0
	channelMeans := make(map[string]float64, len(d.MediaColumns))
	for _, ch := range d.MediaColumns {
		mean := stat.Mean(s.contributions[ch], nil)
		channelMeans[ch] = mean
		totalContribution += mean
		contributions = append(contributions, model.ChannelContribution{
			Channel: ch,
			Mean:    mean,
			Median:  mean,
			HDI3:    mean - hdiZ*meanSE,
			HDI97:   mean + hdiZ*meanSE,
		})
	}
	for i := range contributions {
		if totalContribution > 0 {
			contributions[i].ShareOfTotal = contributions[i].Mean / totalContribution
		}
	}

	totalSE := s.residStd * math.Sqrt(float64(n))
	roas := make([]model.ChannelROAS, 0, len(d.MediaColumns))
	for _, ch := range d.MediaColumns {
		totalSpend := 0.0
		for _, v := range d.Media[ch] {
			totalSpend += v
		}
		entry := model.ChannelROAS{Channel: ch}
		if totalSpend > 0 {
			entry.Mean = channelMeans[ch] * float64(n) / totalSpend
			entry.Median = entry.Mean
			entry.HDI3 = entry.Mean - hdiZ*totalSE/totalSpend
			entry.HDI97 = entry.Mean + hdiZ*totalSE/totalSpend
		}
		roas = append(roas, entry)
	}

	adstock := make([]model.AdstockParams, 0, len(d.MediaColumns))
	for _, ch := range d.MediaColumns {
		if s.adstockType == model.AdstockGeometric {
			alpha := s.alphas[ch]
			meanLag := 10.0
			if alpha < 1 {
				meanLag = alpha / (1 - alpha)
			}
			adstock = append(adstock, model.AdstockParams{
				Channel:      ch,
				Type:         model.AdstockGeometric,
				Alpha:        ptr(alpha),
				MeanLagWeeks: meanLag,
			})
		} else {
			adstock = append(adstock, model.AdstockParams{
				Channel:      ch,
				Type:         model.AdstockWeibull,
				Shape:        ptr(weibullShape),
				Scale:        ptr(weibullScale),
				MeanLagWeeks: weibullScale,
			})
		}
	}

	saturation := make([]model.SaturationParams, 0, len(d.MediaColumns))
	for _, ch := range d.MediaColumns {
		entry := model.SaturationParams{
			Channel:       ch,
			Type:          s.saturationType,
			SaturationPct: saturationPct(s.contributions[ch]),
		}
		if s.saturationType == model.SaturationLogistic {
			lam := 0.0
			if s.meanAdstocked[ch] > 0 {
				lam = 1 / s.meanAdstocked[ch]
			}
			entry.Lam = ptr(lam)
		} else {
			entry.K = ptr(s.meanAdstocked[ch])
			entry.S = ptr(1.0)
		}
		saturation = append(saturation, entry)
	}

	actualMean := stat.Mean(d.Target, nil)
	baseWeeklyMean := math.Max(0, actualMean-totalContribution)
	baseSalesPct := 0.0
	if actualMean > 0 {
		baseSalesPct = baseWeeklyMean / actualMean
	}

	decomposition := s.buildDecomposition()

	mape, count := 0.0, 0
	for t := range decomposition.Actual {
		if decomposition.Actual[t] != 0 {
			mape += math.Abs((decomposition.Actual[t] - decomposition.Predicted[t]) / decomposition.Actual[t])
			count++
		}
	}
	if count > 0 {
		diagnostics.MAPE = mape / float64(count) * 100
	}

	return &model.EngineResults{
		Diagnostics:          diagnostics,
		BaseSalesPct:         baseSalesPct,
		BaseSalesWeeklyMean:  baseWeeklyMean,
		ChannelContributions: contributions,
		ChannelROAS:          roas,
		AdstockParams:        adstock,
		SaturationParams:     saturation,
		DecompositionTS:      decomposition,
		AdstockDecayCurves:   adstockDecayCurves(adstock, decayCurveWeeks),
	}, nil
}

// buildDecomposition assembles the charting time series: base is the
// part of the target the channels do not explain, clamped at zero, and
// predicted is base plus all channel contributions.
func (s *Synthetic) buildDecomposition() model.DecompositionTS {
	d := s.data
	n := d.Rows()

	dates := make([]string, n)
	for t, dt := range d.Dates {
		dates[t] = dt.Format("2006-01-02")
	}

	channels := make(map[string][]float64, len(d.MediaColumns))
	for _, ch := range d.MediaColumns {
		channels[ch] = append([]float64(nil), s.contributions[ch]...)
	}

	actual := append([]float64(nil), d.Target...)
	base := make([]float64, n)
	predicted := make([]float64, n)
	lower := make([]float64, n)
	upper := make([]float64, n)
	for t := 0; t < n; t++ {
		total := 0.0
		for _, ch := range d.MediaColumns {
			total += channels[ch][t]
		}
		base[t] = math.Max(0, actual[t]-total)
		predicted[t] = base[t] + total
		lower[t] = predicted[t] - hdiZ*s.residStd
		upper[t] = predicted[t] + hdiZ*s.residStd
	}

	return model.DecompositionTS{
		Dates:             dates,
		Actual:            actual,
		Predicted:         predicted,
		PredictedHDILower: lower,
		PredictedHDIUpper: upper,
		Base:              base,
		Channels:          channels,
	}
}

// ResponseCurves generates per-channel spend response curves from the
// fitted decomposition.
func (s *Synthetic) ResponseCurves(_ context.Context, points int) (map[string]model.ResponseCurve, error) {
	if !s.fitted {
		return nil, fmt.Errorf("engine: model not fitted")
	}
	if points <= 0 {
		points = 50
	}

	curves := make(map[string]model.ResponseCurve, len(s.data.MediaColumns))
	for _, ch := range s.data.MediaColumns {
		spend := s.data.Media[ch]
		meanSpend := stat.Mean(spend, nil)
		maxSpend := 0.0
		for _, v := range spend {
			maxSpend = math.Max(maxSpend, v)
		}
		curves[ch] = responseCurve(stat.Mean(s.contributions[ch], nil), meanSpend, maxSpend, points)
	}
	return curves, nil
}

type syntheticArtifact struct {
	Engine              string             `json:"engine"`
	Config              model.RunConfig    `json:"config"`
	Channels            []string           `json:"channels"`
	Intercept           float64            `json:"intercept"`
	Coefficients        map[string]float64 `json:"coefficients"`
	ControlCoefficients map[string]float64 `json:"control_coefficients"`
	AdstockAlphas       map[string]float64 `json:"adstock_alphas"`
	ResidualStd         float64            `json:"residual_std"`
}

// Serialize returns the fitted parameters as a JSON artifact.
func (s *Synthetic) Serialize(_ context.Context) ([]byte, error) {
	if !s.fitted {
		return nil, fmt.Errorf("engine: model not fitted")
	}
	artifact := syntheticArtifact{
		Engine:              "synthetic",
		Config:              s.cfg,
		Channels:            s.data.MediaColumns,
		Intercept:           s.intercept,
		Coefficients:        s.coeffs,
		ControlCoefficients: s.ctrlCoeffs,
		AdstockAlphas:       s.alphas,
		ResidualStd:         s.residStd,
	}
	out, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("engine: serialize artifact: %w", err)
	}
	return out, nil
}

// saturationPct reports how far up its own response range a channel
// operates: mean contribution over the observed window relative to the
// peak week.
func saturationPct(contrib []float64) float64 {
	if len(contrib) == 0 {
		return 0
	}
	maxV := 0.0
	for _, v := range contrib {
		maxV = math.Max(maxV, v)
	}
	if maxV <= 0 {
		return 0
	}
	return math.Min(1, stat.Mean(contrib, nil)/maxV)
}

func ptr(v float64) *float64 { return &v }
