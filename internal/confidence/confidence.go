package confidence

import (
	"fmt"
	"sort"

	"github.com/carbonmeter/emissions/internal/api"
)

// Tier is one breakpoint of the policy table: windows with at least
// MinSamples valid days score Score.
type Tier struct {
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
	Score      float64 `json:"score" yaml:"score"`
	Label      string  `json:"label" yaml:"label"`
}

// Policy maps sample counts onto confidence scores.
type Policy struct {
	Tiers []Tier `json:"tiers" yaml:"tiers"`

	// HighVariancePenalty multiplies model-backed scores for volatile sectors.
	HighVariancePenalty float64 `json:"high_variance_penalty" yaml:"high_variance_penalty"`

	// Fallback tiers report fixed scores, both below FallbackCap.
	StatisticalScore float64 `json:"statistical_score" yaml:"statistical_score"`
	DefaultScore     float64 `json:"default_score" yaml:"default_score"`
	FallbackCap      float64 `json:"fallback_cap" yaml:"fallback_cap"`
}

// DefaultPolicy returns production breakpoints.
func DefaultPolicy() *Policy {
	return &Policy{
		Tiers: []Tier{
			{MinSamples: 0, Score: 0.55, Label: "low"},
			{MinSamples: 5, Score: 0.65, Label: "medium-low"},
			{MinSamples: 10, Score: 0.75, Label: "medium"},
			{MinSamples: 15, Score: 0.82, Label: "medium-high"},
			{MinSamples: 30, Score: 0.90, Label: "high"},
		},
		HighVariancePenalty: 0.95,
		StatisticalScore:    0.50,
		DefaultScore:        0.30,
		FallbackCap:         0.50,
	}
}

// Validate checks the table is usable: sorted, non-decreasing, and with a
// fallback cap strictly below the lowest penalized model score.
func (p *Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("confidence policy has no tiers")
	}
	if p.Tiers[0].MinSamples != 0 {
		return fmt.Errorf("first tier must start at 0 samples, got %d", p.Tiers[0].MinSamples)
	}
	for i := 1; i < len(p.Tiers); i++ {
		if p.Tiers[i].MinSamples <= p.Tiers[i-1].MinSamples {
			return fmt.Errorf("tier %d: min_samples not increasing", i)
		}
		if p.Tiers[i].Score < p.Tiers[i-1].Score {
			return fmt.Errorf("tier %d: score decreases", i)
		}
	}
	if p.HighVariancePenalty <= 0 || p.HighVariancePenalty > 1 {
		return fmt.Errorf("high_variance_penalty must be in (0, 1], got %v", p.HighVariancePenalty)
	}
	floor := p.Tiers[0].Score * p.HighVariancePenalty
	if p.FallbackCap >= floor {
		return fmt.Errorf("fallback_cap %v must be below lowest model score %v", p.FallbackCap, floor)
	}
	return nil
}

// Estimate scores a prediction. sampleCount is the number of valid real days
// in the window; isFallback marks non-model tiers; highVariance applies the
// sector penalty. Non-decreasing in sampleCount for fixed other inputs.
func (p *Policy) Estimate(sampleCount int, isFallback, highVariance bool) float64 {
	score := p.tierFor(sampleCount).Score
	if highVariance {
		score *= p.HighVariancePenalty
	}
	if isFallback && score > p.FallbackCap {
		score = p.FallbackCap
	}
	return api.Round4(score)
}

// ForSource returns the score for a tier outcome. Model predictions go
// through Estimate; fallback tiers report their fixed scores.
func (p *Policy) ForSource(source api.SourceTag, sampleCount int, highVariance bool) float64 {
	switch source {
	case api.SourceStatistical:
		return minScore(p.StatisticalScore, p.FallbackCap)
	case api.SourceDefault:
		return minScore(p.DefaultScore, p.FallbackCap)
	default:
		return p.Estimate(sampleCount, false, highVariance)
	}
}

// Label names a score by the highest tier it reaches.
func (p *Policy) Label(score float64) string {
	label := p.Tiers[0].Label
	for _, t := range p.Tiers {
		if score >= t.Score {
			label = t.Label
		}
	}
	return label
}

func (p *Policy) tierFor(n int) Tier {
	i := sort.Search(len(p.Tiers), func(i int) bool { return p.Tiers[i].MinSamples > n })
	if i == 0 {
		return p.Tiers[0]
	}
	return p.Tiers[i-1]
}

func minScore(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
