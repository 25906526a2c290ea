// Package emission holds the factor tables and sector defaults shared by the
// feature deriver, the statistical fallback tier and the reporting layer.
package emission

import (
	"sort"
	"strings"

	"github.com/carbonmeter/emissions/internal/api"
)

// Individual sector names, in ledger column order.
const (
	SectorTransport   = "transport"
	SectorElectricity = "electricity"
	SectorCooking     = "cooking"
	SectorFood        = "food"
	SectorWaste       = "waste"
	SectorDigital     = "digital"
	SectorAvoided     = "avoided"
)

// IndividualSectors lists the emitting sectors; avoided is subtracted separately.
var IndividualSectors = []string{
	SectorTransport,
	SectorElectricity,
	SectorCooking,
	SectorFood,
	SectorWaste,
	SectorDigital,
}

// Industrial operational fields, in schema order.
const (
	FieldElectricityKWh      = "electricity_kwh"
	FieldDieselLiter         = "diesel_liter"
	FieldNaturalGasM3        = "natural_gas_m3"
	FieldCementTon           = "cement_ton"
	FieldSteelTon            = "steel_ton"
	FieldPlasticKg           = "plastic_kg"
	FieldProductionUnits     = "production_units"
	FieldOperatingHours      = "operating_hours"
	FieldCapacityUtilization = "capacity_utilization"
	FieldCoalTon             = "coal_ton"
	FieldChemicalTon         = "chemical_ton"
	FieldGeneratedMWh        = "electricity_generated_mwh"
)

// IndustrialFields are the operational inputs of the industrial schema.
var IndustrialFields = []string{
	FieldElectricityKWh,
	FieldDieselLiter,
	FieldNaturalGasM3,
	FieldCementTon,
	FieldSteelTon,
	FieldPlasticKg,
	FieldProductionUnits,
	FieldOperatingHours,
	FieldCapacityUtilization,
}

// Individual emission factors, kg CO2e per unit.
const (
	GridFactor       = 0.82 // per kWh
	PetrolFactor     = 2.31 // per liter
	DieselFactor     = 2.68 // per liter
	TransportFactor  = 2.3  // blended liter equivalent used for fuel back-calculation
	LPGFactor        = 3.13 // per kg
	LPGCylinderKg    = 14.2
	BusFactor        = 0.041 // per passenger-km
	TrainFactor      = 0.035
	FlightFactor     = 0.15
	DataFactor       = 0.06 // per GB
	OnlineOrderKg    = 0.5
	VegMealFactor    = 2.0
	NonVegMealFactor = 5.0
	KmPerTransportKg = 15.0
)

// IndividualDailyDefaults are per-sector daily averages (kg CO2e) used when a
// subject has no usable history. Their sum is the individual default total.
var IndividualDailyDefaults = map[string]float64{
	SectorTransport:   1.2,
	SectorElectricity: 1.1,
	SectorCooking:     0.5,
	SectorFood:        0.8,
	SectorWaste:       0.1,
	SectorDigital:     0.1,
}

// IndividualDailyDefault is the summed per-day individual default.
func IndividualDailyDefault() float64 {
	total := 0.0
	for _, s := range IndividualSectors {
		total += IndividualDailyDefaults[s]
	}
	return total
}

// KgPerTonne converts the industry tables (tonnes) to ledger units (kg CO2e).
const KgPerTonne = 1000.0

// Industry describes the factor table of one industrial sector. Factors are
// tCO2e per unit of the operational field.
type Industry struct {
	Name           string
	Factors        map[string]float64
	MonthlyAverage float64 // tCO2e per month
	Scope1Percent  float64
}

var industries = map[string]Industry{
	"cement": {
		Name: "cement",
		Factors: map[string]float64{
			FieldElectricityKWh: 0.82 / 1000,
			FieldDieselLiter:    2.68 / 1000,
			FieldNaturalGasM3:   2.0 / 1000,
			FieldCementTon:      0.65,
		},
		MonthlyAverage: 3200,
		Scope1Percent:  62,
	},
	"steel": {
		Name: "steel",
		Factors: map[string]float64{
			FieldElectricityKWh: 0.82 / 1000,
			FieldDieselLiter:    2.68 / 1000,
			FieldCoalTon:        2.42,
			FieldSteelTon:       1.85,
		},
		MonthlyAverage: 4500,
		Scope1Percent:  70,
	},
	"power": {
		Name: "power",
		Factors: map[string]float64{
			FieldCoalTon:      2.42,
			FieldNaturalGasM3: 2.0 / 1000,
			FieldGeneratedMWh: 0.95,
		},
		MonthlyAverage: 8500,
		Scope1Percent:  98,
	},
	"chemicals": {
		Name: "chemicals",
		Factors: map[string]float64{
			FieldElectricityKWh: 0.82 / 1000,
			FieldDieselLiter:    2.68 / 1000,
			FieldNaturalGasM3:   2.0 / 1000,
			FieldChemicalTon:    1.2,
		},
		MonthlyAverage: 2800,
		Scope1Percent:  55,
	},
	"manufacturing": {
		Name: "manufacturing",
		Factors: map[string]float64{
			FieldElectricityKWh:  0.82 / 1000,
			FieldDieselLiter:     2.68 / 1000,
			FieldNaturalGasM3:    2.0 / 1000,
			FieldProductionUnits: 0.05,
		},
		MonthlyAverage: 1500,
		Scope1Percent:  45,
	},
}

// DefaultIndustry is used for unknown or empty industry names.
const DefaultIndustry = "manufacturing"

// LookupIndustry returns the factor table for name, falling back to
// manufacturing. The bool reports whether name was known.
func LookupIndustry(name string) (Industry, bool) {
	ind, ok := industries[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return industries[DefaultIndustry], false
	}
	return ind, true
}

// Industries returns the known industry names, sorted.
func Industries() []string {
	names := make([]string, 0, len(industries))
	for name := range industries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FactorEmission applies the industry factors to a set of operational values
// and returns kg CO2e. Fields without a factor contribute nothing; non-finite
// and negative values are skipped.
func (ind Industry) FactorEmission(values map[string]float64) float64 {
	total := 0.0
	for field, factor := range ind.Factors {
		v, ok := values[field]
		if !ok || !api.IsFinite(v) || v < 0 {
			continue
		}
		total += v * factor
	}
	return total * KgPerTonne
}

// DefaultForDays scales the monthly industry average to a period length, in kg CO2e.
func (ind Industry) DefaultForDays(days int) float64 {
	return ind.MonthlyAverage * KgPerTonne * float64(days) / 30.0
}

// RecomputeTotal derives total_emission from a real record's sector values.
// Individual: emitting sectors minus avoided. Industrial: factor-weighted sum.
func RecomputeTotal(domain api.Domain, industry string, rec api.DailyRecord) float64 {
	if domain == api.DomainIndustrial {
		ind, _ := LookupIndustry(industry)
		return ind.FactorEmission(rec.SectorValues)
	}
	total := 0.0
	for _, s := range IndividualSectors {
		total += rec.Sector(s)
	}
	return total - rec.Sector(SectorAvoided)
}
