package cascade

import (
	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/emission"
)

// RecencyWeights returns n weights evenly spaced from 0.5 to 1.5, oldest
// first. Fewer than three values get uniform weights.
func RecencyWeights(n int) []float64 {
	w := make([]float64, n)
	if n < 3 {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	step := 1.0 / float64(n-1)
	for i := range w {
		w[i] = 0.5 + step*float64(i)
	}
	return w
}

// WeightedMean is the recency-weighted mean of the finite values of xs.
// The bool is false when no finite values remain.
func WeightedMean(xs []float64) (float64, bool) {
	vals := api.FilterFinite(xs)
	if len(vals) == 0 {
		return 0, false
	}
	w := RecencyWeights(len(vals))
	var sum, wsum float64
	for i, x := range vals {
		sum += x * w[i]
		wsum += w[i]
	}
	return sum / wsum, true
}

// Mean is the plain mean of the finite values of xs.
func Mean(xs []float64) (float64, bool) {
	vals := api.FilterFinite(xs)
	if len(vals) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, x := range vals {
		sum += x
	}
	return sum / float64(len(vals)), true
}

func totals(records []api.DailyRecord) []float64 {
	out := make([]float64, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.TotalEmission)
	}
	return out
}

// statisticalDaily estimates one day's emission without a model.
// Individual windows use the recency-weighted mean of totals. Industrial
// windows apply the industry factor table to each day's operational values
// and fall back to the mean total when no factored field is present.
func statisticalDaily(domain api.Domain, industry string, window []api.DailyRecord) (float64, bool) {
	if domain == api.DomainIndustrial {
		ind, _ := emission.LookupIndustry(industry)
		var factored []float64
		for _, rec := range window {
			if e := ind.FactorEmission(rec.SectorValues); e > 0 {
				factored = append(factored, e)
			}
		}
		if v, ok := Mean(factored); ok {
			return v, true
		}
		return Mean(totals(window))
	}
	return WeightedMean(totals(window))
}

// defaultDaily is the documented per-day constant for a domain.
func defaultDaily(domain api.Domain, industry string) float64 {
	if domain == api.DomainIndustrial {
		ind, _ := emission.LookupIndustry(industry)
		return ind.DefaultForDays(1)
	}
	return emission.IndividualDailyDefault()
}

// DefaultForHorizon is the default-tier value for a whole horizon.
func DefaultForHorizon(domain api.Domain, industry string, horizon int) float64 {
	if domain == api.DomainIndustrial {
		ind, _ := emission.LookupIndustry(industry)
		return ind.DefaultForDays(horizon)
	}
	return defaultDaily(domain, industry) * float64(horizon)
}
