package emission

import (
	"math"

	"github.com/carbonmeter/emissions/internal/api"
)

// Distribute splits a daily total across the emitting sectors in proportion
// to their means over window. When the window carries no sector signal the
// default sector shares are used. Avoided is reported as 0 so that the
// synthesized row still satisfies total = Σ sectors − avoided.
func Distribute(total float64, window []api.DailyRecord) map[string]float64 {
	means := make(map[string]float64, len(IndividualSectors))
	sum := 0.0
	if len(window) > 0 {
		for _, s := range IndividualSectors {
			m := 0.0
			for _, rec := range window {
				m += rec.Sector(s)
			}
			m /= float64(len(window))
			if m < 0 {
				m = 0
			}
			means[s] = m
			sum += m
		}
	}
	if sum <= 0 {
		sum = 0
		for _, s := range IndividualSectors {
			means[s] = IndividualDailyDefaults[s]
			sum += means[s]
		}
	}

	out := make(map[string]float64, len(IndividualSectors)+1)
	for _, s := range IndividualSectors {
		out[s] = round2(total * means[s] / sum)
	}
	out[SectorAvoided] = 0
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
