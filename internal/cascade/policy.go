package cascade

import (
	"fmt"

	"github.com/carbonmeter/emissions/internal/api"
)

// OutputScale describes what a domain model's scalar means.
type OutputScale int

const (
	// PerDay models predict one day's emission.
	PerDay OutputScale = iota
	// PerMonth models predict a calendar month; the cascade divides by the
	// number of days in the target date's month.
	PerMonth
)

func (s OutputScale) String() string {
	if s == PerMonth {
		return "per-month"
	}
	return "per-day"
}

// ParseOutputScale accepts the String forms of OutputScale.
func ParseOutputScale(s string) (OutputScale, error) {
	switch s {
	case "per-day":
		return PerDay, nil
	case "per-month":
		return PerMonth, nil
	}
	return PerDay, fmt.Errorf("unknown output scale %q: want per-day or per-month", s)
}

// DomainPolicy holds the per-domain cascade rules.
type DomainPolicy struct {
	Domain          api.Domain
	MinModelSamples int
	Output          OutputScale
	HighVariance    bool
}

// DefaultPolicies returns the production domain table. Behavioral models
// need a week of context; industrial models run on a single operating state.
func DefaultPolicies() map[api.Domain]DomainPolicy {
	return map[api.Domain]DomainPolicy{
		api.DomainIndividual: {
			Domain:          api.DomainIndividual,
			MinModelSamples: 5,
			Output:          PerMonth,
		},
		api.DomainIndustrial: {
			Domain:          api.DomainIndustrial,
			MinModelSamples: 1,
			Output:          PerDay,
			HighVariance:    true,
		},
	}
}
