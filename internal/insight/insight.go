// Package insight summarizes a multi-day forecast for reporting.
package insight

import (
	"math"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/emission"
)

const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Severity thresholds, in tonnes CO2e over the period.
const (
	HighEmissionTonnes     = 5000.0
	ModerateEmissionTonnes = 2000.0

	maxRecommendations = 5
)

const (
	highSeverityLine     = "HIGH EMISSIONS: Immediate action required - consider major capital investments"
	moderateSeverityLine = "MODERATE EMISSIONS: Focus on quick-win efficiency improvements"
)

var recommendations = map[string][]string{
	"cement": {
		"Switch to blended cement (reduce clinker ratio by 5-10%)",
		"Implement waste heat recovery systems",
		"Use alternative fuels (biomass, refuse-derived fuel)",
		"Optimize kiln efficiency through better process control",
		"Invest in vertical roller mills for grinding",
	},
	"steel": {
		"Transition to electric arc furnaces (EAF) from blast furnaces",
		"Implement top-gas recovery turbines",
		"Use scrap steel to reduce iron ore dependency",
		"Optimize blast furnace operations",
		"Invest in carbon capture technology",
	},
	"power": {
		"Increase renewable energy mix (solar, wind)",
		"Upgrade to supercritical boilers (40%+ efficiency)",
		"Implement flue gas desulfurization",
		"Use low-carbon fuels (natural gas, biomass)",
		"Deploy carbon capture and storage (CCS)",
	},
	"chemicals": {
		"Switch to green hydrogen for chemical processes",
		"Optimize steam network efficiency",
		"Use renewable electricity for electrolysis",
		"Implement heat integration across processes",
		"Reduce methane and N2O emissions",
	},
	"manufacturing": {
		"Upgrade to energy-efficient machinery",
		"Implement LED lighting and HVAC optimization",
		"Use renewable electricity",
		"Optimize production schedules",
		"Reduce idle time and improve capacity utilization",
	},
}

// Trend compares the last of the final three finite values with the first
// of them. Fewer than two values are stable.
func Trend(values []float64) string {
	vs := api.FilterFinite(values)
	if len(vs) > 3 {
		vs = vs[len(vs)-3:]
	}
	if len(vs) < 2 {
		return TrendStable
	}
	first, last := vs[0], vs[len(vs)-1]
	switch {
	case last > first*1.1:
		return TrendIncreasing
	case last < first*0.9:
		return TrendDecreasing
	}
	return TrendStable
}

// ScopeBreakdown splits total (kg) into direct and indirect emissions using
// the industry's scope-1 share.
func ScopeBreakdown(total float64, industry string) map[string]float64 {
	ind, _ := emission.LookupIndustry(industry)
	s1 := ind.Scope1Percent
	return map[string]float64{
		"scope1_percentage": s1,
		"scope2_percentage": 100 - s1,
		"scope1_emission":   round2(total * s1 / 100),
		"scope2_emission":   round2(total * (100 - s1) / 100),
	}
}

// Recommendations returns at most five actions for the industry, led by a
// severity line when totalKg crosses a threshold.
func Recommendations(industry string, totalKg float64) []string {
	ind, _ := emission.LookupIndustry(industry)
	base := recommendations[ind.Name]
	if base == nil {
		base = recommendations[emission.DefaultIndustry]
	}

	out := make([]string, 0, len(base)+1)
	switch tonnes := totalKg / emission.KgPerTonne; {
	case tonnes > HighEmissionTonnes:
		out = append(out, highSeverityLine)
	case tonnes > ModerateEmissionTonnes:
		out = append(out, moderateSeverityLine)
	}
	out = append(out, base...)
	if len(out) > maxRecommendations {
		out = out[:maxRecommendations]
	}
	return out
}

// Summarize builds the period summary of a forecast. Individual forecasts
// get no scope breakdown or recommendations.
func Summarize(res *api.ForecastResult, industry string) *api.Summary {
	n := len(res.Records)
	totals := make([]float64, 0, n)
	conf := 0.0
	for _, rec := range res.Records {
		totals = append(totals, rec.TotalEmission)
		conf += rec.Confidence
	}
	total := res.Total()

	s := &api.Summary{
		PeriodDays:    n,
		TotalEmission: round2(total),
		Trend:         Trend(totals),
	}
	if n > 0 {
		s.DailyAverage = round2(total / float64(n))
		s.Confidence = api.Round4(conf / float64(n))
	}
	if res.Domain == api.DomainIndustrial {
		s.ScopeBreakdown = ScopeBreakdown(total, industry)
		s.Recommendations = Recommendations(industry, total)
	}
	return s
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
