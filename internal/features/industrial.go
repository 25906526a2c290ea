package features

import (
	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/emission"
)

// Derived industrial ratios.
const (
	EnergyIntensity   = "energy_intensity"
	FuelIntensity     = "fuel_intensity"
	MaterialIntensity = "material_intensity"
	LoadEfficiency    = "load_efficiency"
)

// IndustrialSchema is the operational layout: nine raw fields then four ratios.
var IndustrialSchema = NewSchema("industrial", append(append([]string(nil), emission.IndustrialFields...),
	EnergyIntensity,
	FuelIntensity,
	MaterialIntensity,
	LoadEfficiency,
)...)

// IndustrialDeriver averages operational fields over a window and derives
// the physics ratios from those averages.
type IndustrialDeriver struct{}

func NewIndustrialDeriver() *IndustrialDeriver { return &IndustrialDeriver{} }

func (d *IndustrialDeriver) Schema() *Schema { return IndustrialSchema }

func (d *IndustrialDeriver) Derive(window []api.DailyRecord, overrides map[string]float64) (*Vector, error) {
	v := NewVector(IndustrialSchema)
	for _, field := range emission.IndustrialFields {
		v.Set(field, meanField(window, field))
	}
	if err := v.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	FillRatios(v)
	// explicit ratio overrides survive recomputation
	for _, name := range []string{EnergyIntensity, FuelIntensity, MaterialIntensity, LoadEfficiency} {
		if x, ok := overrides[name]; ok {
			v.Set(name, x)
		}
	}
	return v, nil
}

// FillRatios recomputes the derived ratios from the raw fields already in v.
// A zero denominator yields the 0 sentinel.
func FillRatios(v *Vector) {
	production := v.Get(emission.FieldProductionUnits)
	hours := v.Get(emission.FieldOperatingHours)

	v.Set(EnergyIntensity, ratio(v.Get(emission.FieldElectricityKWh), production))
	v.Set(FuelIntensity, ratio(v.Get(emission.FieldDieselLiter)+v.Get(emission.FieldNaturalGasM3), hours))
	v.Set(MaterialIntensity, ratio(
		v.Get(emission.FieldCementTon)+v.Get(emission.FieldSteelTon)+v.Get(emission.FieldPlasticKg)/1000,
		production,
	))
	v.Set(LoadEfficiency, ratio(production, hours))
}

// meanField averages the finite values of one field; missing entries are skipped.
func meanField(window []api.DailyRecord, field string) float64 {
	sum, n := 0.0, 0
	for _, rec := range window {
		x, ok := rec.SectorValues[field]
		if !ok || !api.IsFinite(x) {
			continue
		}
		sum += x
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ForDomain returns the deriver for a domain.
func ForDomain(domain api.Domain, behavioralWindow int) Deriver {
	if domain == api.DomainIndustrial {
		return NewIndustrialDeriver()
	}
	return NewBehavioralDeriver(behavioralWindow)
}
