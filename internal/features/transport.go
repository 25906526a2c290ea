package features

import "strings"

// TransportMode is the categorical encoding of a day's dominant transport.
type TransportMode int

const (
	ModeOther TransportMode = iota
	ModePrivate
	ModePublic
	ModeMixed
)

var transportModes = map[string]TransportMode{
	"private":    ModePrivate,
	"car":        ModePrivate,
	"bike":       ModePrivate,
	"motorcycle": ModePrivate,
	"public":     ModePublic,
	"bus":        ModePublic,
	"train":      ModePublic,
	"metro":      ModePublic,
	"mixed":      ModeMixed,
}

// EncodeTransportMode maps a free-text label onto the fixed enumeration.
// Unseen labels map to ModeOther.
func EncodeTransportMode(label string) TransportMode {
	if m, ok := transportModes[strings.ToLower(strings.TrimSpace(label))]; ok {
		return m
	}
	return ModeOther
}

// Ratio is the public-transport share implied by the mode.
func (m TransportMode) Ratio() float64 {
	switch m {
	case ModePublic:
		return 1
	case ModeMixed:
		return 0.5
	default:
		return 0
	}
}

func (m TransportMode) String() string {
	switch m {
	case ModePrivate:
		return "Private"
	case ModePublic:
		return "Public"
	case ModeMixed:
		return "Mixed"
	default:
		return "Other"
	}
}

// ModeForRatio labels a synthesized day from its public-transport ratio.
func ModeForRatio(r float64) TransportMode {
	switch {
	case r <= 0:
		return ModePrivate
	case r >= 1:
		return ModePublic
	default:
		return ModeMixed
	}
}

// FuelTypeEncoding returns the (fuel_type_Petrol, fuel_type_Public) one-hot
// pair the behavioral model was trained with. Mostly-public commuters drop
// the petrol flag; partial users carry both.
func FuelTypeEncoding(publicRatio float64) (petrol, public float64) {
	switch {
	case publicRatio > 0.6:
		return 0, 1
	case publicRatio > 0:
		return 1, 1
	default:
		return 1, 0
	}
}
