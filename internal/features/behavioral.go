package features

import (
	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/emission"
)

// Behavioral feature names, in the order the individual model was trained on.
const (
	MonthlyElectricityKWh = "monthly_electricity_kwh"
	FuelConsumptionLiters = "fuel_consumption_liters"
	MonthlyTravelKm       = "monthly_travel_km"
	PublicTransportRatio  = "public_transport_ratio"
	LPGCylindersPerMonth  = "lpg_cylinders_per_month"
	InductionUsageHours   = "induction_usage_hours"
	SolarWaterHeater      = "solar_water_heater"
	HouseholdSize         = "household_size"
	OnlineOrdersPerMonth  = "online_orders_per_month"
	WasteRecycling        = "waste_recycling"
	FuelTypePetrol        = "fuel_type_Petrol"
	FuelTypePublic        = "fuel_type_Public"
)

// BehavioralSchema is the individual-domain feature layout.
var BehavioralSchema = NewSchema("behavioral",
	MonthlyElectricityKWh,
	FuelConsumptionLiters,
	MonthlyTravelKm,
	PublicTransportRatio,
	LPGCylindersPerMonth,
	InductionUsageHours,
	SolarWaterHeater,
	HouseholdSize,
	OnlineOrdersPerMonth,
	WasteRecycling,
	FuelTypePetrol,
	FuelTypePublic,
)

// HouseholdProfile holds the behavioral constants that are not observable
// from the daily ledger. Callers may override them per request.
type HouseholdProfile struct {
	InductionUsageHours  float64
	SolarWaterHeater     float64
	HouseholdSize        float64
	OnlineOrdersPerMonth float64
	WasteRecycling       float64
}

// DefaultHouseholdProfile returns the profile used when nothing is known.
func DefaultHouseholdProfile() HouseholdProfile {
	return HouseholdProfile{
		InductionUsageHours:  10,
		SolarWaterHeater:     1,
		HouseholdSize:        4,
		OnlineOrdersPerMonth: 4,
		WasteRecycling:       1,
	}
}

// BehavioralDeriver builds monthly behavioral features from the trailing
// real days of an individual ledger.
type BehavioralDeriver struct {
	Window  int
	Profile HouseholdProfile
}

// NewBehavioralDeriver returns a deriver over the trailing window days.
func NewBehavioralDeriver(window int) *BehavioralDeriver {
	if window <= 0 {
		window = 7
	}
	return &BehavioralDeriver{Window: window, Profile: DefaultHouseholdProfile()}
}

func (d *BehavioralDeriver) Schema() *Schema { return BehavioralSchema }

// Derive uses the last Window records of window. Records are expected in
// chronological order and already restricted to real days by the caller.
func (d *BehavioralDeriver) Derive(window []api.DailyRecord, overrides map[string]float64) (*Vector, error) {
	recent := Trailing(window, d.Window)

	var transport, electricity, cooking float64
	for _, rec := range recent {
		transport += rec.Sector(emission.SectorTransport)
		electricity += rec.Sector(emission.SectorElectricity)
		cooking += rec.Sector(emission.SectorCooking)
	}
	publicRatio := MeanPublicRatio(recent)
	petrol, public := FuelTypeEncoding(publicRatio)

	v := NewVector(BehavioralSchema)
	v.Set(MonthlyElectricityKWh, electricity/emission.GridFactor*30)
	v.Set(FuelConsumptionLiters, transport/emission.TransportFactor*30)
	v.Set(MonthlyTravelKm, transport*emission.KmPerTransportKg)
	v.Set(PublicTransportRatio, publicRatio)
	v.Set(LPGCylindersPerMonth, cooking/(emission.LPGCylinderKg*3.0))
	v.Set(InductionUsageHours, d.Profile.InductionUsageHours)
	v.Set(SolarWaterHeater, d.Profile.SolarWaterHeater)
	v.Set(HouseholdSize, d.Profile.HouseholdSize)
	v.Set(OnlineOrdersPerMonth, d.Profile.OnlineOrdersPerMonth)
	v.Set(WasteRecycling, d.Profile.WasteRecycling)
	v.Set(FuelTypePetrol, petrol)
	v.Set(FuelTypePublic, public)

	if err := v.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	return v, nil
}

// PublicRatio returns a record's public-transport share. An explicit finite
// ratio wins; otherwise the transport mode label is encoded.
func PublicRatio(rec api.DailyRecord) float64 {
	if rec.PublicTransportRatio != nil && api.IsFinite(*rec.PublicTransportRatio) {
		r := *rec.PublicTransportRatio
		switch {
		case r < 0:
			return 0
		case r > 1:
			return 1
		}
		return r
	}
	return EncodeTransportMode(rec.TransportMode).Ratio()
}

// MeanPublicRatio averages PublicRatio over records, 0 when empty.
func MeanPublicRatio(records []api.DailyRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	sum := 0.0
	for _, rec := range records {
		sum += PublicRatio(rec)
	}
	return sum / float64(len(records))
}

// Trailing returns the last n records.
func Trailing(records []api.DailyRecord, n int) []api.DailyRecord {
	if n <= 0 || len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}
