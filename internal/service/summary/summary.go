// Package summary turns numeric model results into plain-English narrative
// text for marketing managers. Generation is deterministic: fixed ranking
// and threshold rules, no randomness, so the same results always produce
// the same text.
package summary

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sorami-ai/sorami/internal/model"
)

// Saturation and ROAS thresholds for the recommendation rules.
const (
	saturationCeiling  = 0.85
	saturationFlag     = 0.8
	saturationShift    = 0.7
	saturationHeadroom = 0.6
	strongROAS         = 3.0
)

var convergenceLabels = map[string]string{
	model.ConvergenceGood:       "Strong",
	model.ConvergenceAcceptable: "Acceptable",
	model.ConvergencePoor:       "Weak",
}

// Generate produces the markdown summary and the single top recommendation.
func Generate(er *model.EngineResults) (string, string) {
	if len(er.ChannelContributions) == 0 {
		return "No channel results available.", ""
	}

	roasByCh := roasIndex(er)
	satByCh := satIndex(er)
	ranked := rankByShare(er.ChannelContributions)
	top := ranked[0]
	bestROAS := bestROASChannel(er.ChannelROAS)

	marketingPct := 1 - er.BaseSalesPct

	var lines []string
	lines = append(lines, "## Marketing Mix Analysis Summary\n")

	lines = append(lines, fmt.Sprintf(
		"**Your marketing drove %s of total revenue**, with the remaining %s coming from baseline demand (brand strength, organic traffic, seasonal patterns).\n",
		pct(marketingPct), pct(er.BaseSalesPct)))

	if topROAS, ok := roasByCh[top.Channel]; ok {
		lines = append(lines, fmt.Sprintf(
			"**%s is your most impactful channel**, contributing %s of marketing-driven revenue. For every dollar spent on %s, you generated approximately $%.2f in return (94%% confidence: $%.2f - $%.2f).\n",
			top.Channel, pct(top.ShareOfTotal), top.Channel, topROAS.Mean, topROAS.HDI3, topROAS.HDI97))
	} else {
		lines = append(lines, fmt.Sprintf(
			"**%s is your most impactful channel**, contributing %s of marketing-driven revenue.\n",
			top.Channel, pct(top.ShareOfTotal)))
	}

	if bestROAS != nil && bestROAS.Channel != top.Channel {
		lines = append(lines, fmt.Sprintf(
			"**Highest ROI channel: %s** with a return of $%.2f per dollar spent.\n",
			bestROAS.Channel, bestROAS.Mean))
	}

	lines = append(lines, "### Channel Rankings by Contribution:\n")
	for i, cc := range ranked {
		roasStr := "ROAS: N/A"
		if roas, ok := roasByCh[cc.Channel]; ok {
			roasStr = fmt.Sprintf("ROAS: $%.2f", roas.Mean)
		}
		line := fmt.Sprintf("%d. **%s**: %s of marketing effect (%s)", i+1, cc.Channel, pct(cc.ShareOfTotal), roasStr)
		if sat, ok := satByCh[cc.Channel]; ok && sat.SaturationPct > saturationFlag {
			line += " - Approaching saturation"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "")

	lines = append(lines, "### Channel Effect Duration:\n")
	for _, a := range er.AdstockParams {
		switch {
		case a.Type == model.AdstockGeometric && a.Alpha != nil:
			lines = append(lines, fmt.Sprintf(
				"- **%s**: Effects last ~%.1f weeks (%.0f%% weekly retention)",
				a.Channel, a.MeanLagWeeks, *a.Alpha*100))
		case a.Type == model.AdstockWeibull:
			lines = append(lines, fmt.Sprintf(
				"- **%s**: Effects centered around %.1f weeks", a.Channel, a.MeanLagWeeks))
		}
	}
	lines = append(lines, "")

	lines = append(lines, "### Key Recommendations:\n")
	lines = append(lines, recommendations(ranked, roasByCh, satByCh))

	diag := er.Diagnostics
	lines = append(lines, "\n### Model Quality:\n")
	label := diag.ConvergenceStatus
	if l, ok := convergenceLabels[label]; ok {
		label = l
	}
	lines = append(lines, fmt.Sprintf("- Convergence: %s", label))
	lines = append(lines, fmt.Sprintf("- R-squared: %.2f", diag.RSquared))
	if diag.MAPE > 0 {
		lines = append(lines, fmt.Sprintf("- Mean Absolute %% Error: %.1f%%", diag.MAPE))
	}
	if diag.Divergences > 0 {
		lines = append(lines, fmt.Sprintf(
			"- Warning: %d divergent transitions detected. Consider running with more samples.",
			diag.Divergences))
	}

	return strings.Join(lines, "\n"), topRecommendation(ranked, roasByCh, satByCh)
}

// ChannelInterpretations builds the per-channel narrative attached to each
// unified channel record: contribution, ROAS, decay, saturation position
// and a closing recommendation.
func ChannelInterpretations(er *model.EngineResults) map[string]string {
	roasByCh := roasIndex(er)
	satByCh := satIndex(er)
	adstockByCh := make(map[string]model.AdstockParams, len(er.AdstockParams))
	for _, a := range er.AdstockParams {
		adstockByCh[a.Channel] = a
	}

	out := make(map[string]string, len(er.ChannelContributions))
	for _, cc := range er.ChannelContributions {
		var parts []string

		parts = append(parts, fmt.Sprintf(
			"%s contributes %s of total marketing-driven revenue (weekly mean: $%s).",
			cc.Channel, pct(cc.ShareOfTotal), comma0(cc.Mean)))

		if roas, ok := roasByCh[cc.Channel]; ok {
			parts = append(parts, fmt.Sprintf(
				"Return on ad spend is $%.2f per dollar (94%% CI: $%.2f - $%.2f).",
				roas.Mean, roas.HDI3, roas.HDI97))
		}

		if a, ok := adstockByCh[cc.Channel]; ok && a.Type == model.AdstockGeometric && a.Alpha != nil && *a.Alpha != 0 {
			parts = append(parts, fmt.Sprintf(
				"Advertising effects decay with %.0f%% weekly retention, meaning effects last approximately %.1f weeks.",
				*a.Alpha*100, a.MeanLagWeeks))
		}

		if sat, ok := satByCh[cc.Channel]; ok {
			switch {
			case sat.SaturationPct > saturationCeiling:
				parts = append(parts, fmt.Sprintf(
					"This channel is at %s saturation -- near its ceiling. Additional spend will yield diminishing returns.",
					pct(sat.SaturationPct)))
			case sat.SaturationPct > saturationHeadroom:
				parts = append(parts, fmt.Sprintf(
					"This channel is at %s saturation -- moderate room for growth.", pct(sat.SaturationPct)))
			default:
				parts = append(parts, fmt.Sprintf(
					"This channel is at %s saturation -- significant room for increased spend.", pct(sat.SaturationPct)))
			}
		}

		if rec := channelRecommendation(roasByCh[cc.Channel].Mean, satPctOf(satByCh, cc.Channel)); rec != "" {
			parts = append(parts, "Recommendation: "+rec)
		}

		out[cc.Channel] = strings.Join(parts, " ")
	}
	return out
}

// recommendations builds the Key Recommendations block over the ranked
// channels. Only actionable findings are listed; a balanced allocation
// gets a single monitoring note.
func recommendations(ranked []model.ChannelContribution, roasByCh map[string]model.ChannelROAS, satByCh map[string]model.SaturationParams) string {
	var recs []string
	for _, cc := range ranked {
		satPct := satPctOf(satByCh, cc.Channel)
		roasVal := roasByCh[cc.Channel].Mean

		switch {
		case satPct > saturationCeiling:
			recs = append(recs, fmt.Sprintf(
				"- **Reduce %s** spend -- channel is %s saturated. Reallocate to higher-marginal-return channels.",
				cc.Channel, pct(satPct)))
		case roasVal > strongROAS && satPct < saturationHeadroom:
			recs = append(recs, fmt.Sprintf(
				"- **Increase %s** spend -- strong ROAS ($%.2f) with room to grow (%s saturation).",
				cc.Channel, roasVal, pct(satPct)))
		case roasVal < 1 && roasVal > 0:
			recs = append(recs, fmt.Sprintf(
				"- **Reconsider %s** -- ROAS below 1.0 ($%.2f). Consider reducing or reallocating budget.",
				cc.Channel, roasVal))
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "- Current allocation appears balanced. Monitor trends over time.")
	}
	return strings.Join(recs, "\n")
}

// topRecommendation picks the single most important action: shift budget
// away from the most saturated channel when one is past 70%, otherwise
// lean into the best opportunity (highest ROAS x remaining headroom).
func topRecommendation(ranked []model.ChannelContribution, roasByCh map[string]model.ChannelROAS, satByCh map[string]model.SaturationParams) string {
	var mostSaturated, bestOpportunity string
	var mostSatPct, bestScore float64

	for _, cc := range ranked {
		satPct := satPctOf(satByCh, cc.Channel)
		roasVal := roasByCh[cc.Channel].Mean

		if satPct > mostSatPct {
			mostSatPct = satPct
			mostSaturated = cc.Channel
		}
		if score := roasVal * (1 - satPct); score > bestScore {
			bestScore = score
			bestOpportunity = cc.Channel
		}
	}

	switch {
	case mostSaturated != "" && bestOpportunity != "" && mostSaturated != bestOpportunity && mostSatPct > saturationShift:
		return fmt.Sprintf("Shift budget from %s (saturated at %s) to %s for higher marginal returns.",
			mostSaturated, pct(mostSatPct), bestOpportunity)
	case bestOpportunity != "":
		roasStr := "strong"
		if roas, ok := roasByCh[bestOpportunity]; ok {
			roasStr = fmt.Sprintf("$%.2f", roas.Mean)
		}
		return fmt.Sprintf("Increase %s investment -- best opportunity with %s ROAS and room to grow.",
			bestOpportunity, roasStr)
	}
	return "Current budget allocation appears well-balanced."
}

// channelRecommendation applies the per-channel rule chain in priority
// order: saturation ceiling, strong growth case, below break-even, then
// the two maintain cases.
func channelRecommendation(roasVal, satPct float64) string {
	switch {
	case satPct > saturationCeiling:
		return "Reduce spend. Channel is near saturation ceiling."
	case roasVal > strongROAS && satPct < saturationHeadroom:
		return "Increase spend. Strong returns with room to grow."
	case roasVal < 1 && roasVal > 0:
		return "Consider reducing or reallocating budget. ROAS below break-even."
	case roasVal >= 1 && satPct < saturationShift:
		return "Maintain current spend. Healthy returns with growth headroom."
	case roasVal >= 1:
		return "Maintain current spend. Returns are positive but approaching saturation."
	}
	return ""
}

func rankByShare(contributions []model.ChannelContribution) []model.ChannelContribution {
	ranked := append([]model.ChannelContribution(nil), contributions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ShareOfTotal > ranked[j].ShareOfTotal
	})
	return ranked
}

func bestROASChannel(roas []model.ChannelROAS) *model.ChannelROAS {
	if len(roas) == 0 {
		return nil
	}
	best := roas[0]
	for _, r := range roas[1:] {
		if r.Mean > best.Mean {
			best = r
		}
	}
	return &best
}

func roasIndex(er *model.EngineResults) map[string]model.ChannelROAS {
	out := make(map[string]model.ChannelROAS, len(er.ChannelROAS))
	for _, r := range er.ChannelROAS {
		out[r.Channel] = r
	}
	return out
}

func satIndex(er *model.EngineResults) map[string]model.SaturationParams {
	out := make(map[string]model.SaturationParams, len(er.SaturationParams))
	for _, s := range er.SaturationParams {
		out[s.Channel] = s
	}
	return out
}

func satPctOf(satByCh map[string]model.SaturationParams, channel string) float64 {
	return satByCh[channel].SaturationPct
}

// pct renders a 0-1 fraction as a whole percent, the way the narrative
// text quotes shares and saturation.
func pct(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

// comma0 renders a dollar amount with thousands separators and no cents.
func comma0(v float64) string {
	s := fmt.Sprintf("%.0f", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		s = "-" + s
	}
	return s
}
