package forecast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/emission"
	"github.com/carbonmeter/emissions/internal/features"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func plantSeed() api.DailyRecord {
	return api.DailyRecord{
		Date: api.NewDate(2024, time.March, 31),
		SectorValues: map[string]float64{
			emission.FieldElectricityKWh:      12000,
			emission.FieldDieselLiter:         300,
			emission.FieldNaturalGasM3:        500,
			emission.FieldCementTon:           80,
			emission.FieldSteelTon:            5,
			emission.FieldPlasticKg:           200,
			emission.FieldProductionUnits:     1000,
			emission.FieldOperatingHours:      16,
			emission.FieldCapacityUtilization: 0.8,
		},
		TotalEmission: 60000,
	}
}

// echoElectricity predicts the derived electricity_kwh value as kg per day.
func echoElectricity() *model.Func {
	return &model.Func{
		Names: features.IndustrialSchema.Fields(),
		Ver:   "echo",
		Fn: func(ctx context.Context, x []float64) (float64, error) {
			return x[0], nil
		},
	}
}

func newForecaster(m model.Model, opts ...Option) *Forecaster {
	c := cascade.New(cascade.StaticModels{api.DomainIndustrial: m}, cascade.WithLogger(quietLogger()))
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(c, api.DefaultEngineParams(), opts...)
}

func TestForecast_LengthAndDayAhead(t *testing.T) {
	f := newForecaster(echoElectricity())
	seed := plantSeed()

	res, err := f.Forecast(context.Background(), Request{
		Domain:       api.DomainIndustrial,
		Industry:     "cement",
		History:      []api.DailyRecord{seed},
		Horizon:      30,
		WeeklyGrowth: 0.02,
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(res.Records) != 30 {
		t.Fatalf("len(Records) = %d, want 30", len(res.Records))
	}
	for i, rec := range res.Records {
		if rec.DayAhead != i+1 {
			t.Errorf("Records[%d].DayAhead = %d, want %d", i, rec.DayAhead, i+1)
		}
		if !rec.Date.Equal(seed.Date.AddDays(i + 1)) {
			t.Errorf("Records[%d].Date = %s, want %s", i, rec.Date, seed.Date.AddDays(i+1))
		}
		if !rec.IsSynthesized {
			t.Errorf("Records[%d] not marked synthesized", i)
		}
		if rec.Source != api.SourceModel {
			t.Errorf("Records[%d].Source = %s, want model", i, rec.Source)
		}
	}
	if res.Partial {
		t.Error("Partial = true for a completed forecast")
	}
}

func TestForecast_ScalesGrowthFieldsOnly(t *testing.T) {
	f := newForecaster(echoElectricity())
	seed := plantSeed()
	growth := 0.035

	res, err := f.Forecast(context.Background(), Request{
		Domain:       api.DomainIndustrial,
		Industry:     "cement",
		History:      []api.DailyRecord{seed},
		Horizon:      30,
		WeeklyGrowth: growth,
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}

	factor := 1 + growth/7*30
	last := res.Records[29]
	for _, field := range []string{
		emission.FieldElectricityKWh,
		emission.FieldDieselLiter,
		emission.FieldCementTon,
		emission.FieldProductionUnits,
	} {
		want := seed.SectorValues[field] * factor
		if got := last.SectorValues[field]; math.Abs(got-want) > 1e-9*want {
			t.Errorf("step 30 %s = %v, want %v", field, got, want)
		}
	}
	if got := last.SectorValues[emission.FieldOperatingHours]; got != 16 {
		t.Errorf("operating_hours = %v, want 16 (not scaled)", got)
	}
	if got := last.SectorValues[emission.FieldCapacityUtilization]; got != 0.8 {
		t.Errorf("capacity_utilization = %v, want 0.8 (not scaled)", got)
	}

	// ratios are recomputed from the scaled absolutes
	wantLoad := 1000 * factor / 16
	if got := last.SectorValues[features.LoadEfficiency]; math.Abs(got-wantLoad) > 1e-9 {
		t.Errorf("load_efficiency = %v, want %v", got, wantLoad)
	}
	if got := last.SectorValues[features.EnergyIntensity]; math.Abs(got-12) > 1e-9 {
		t.Errorf("energy_intensity = %v, want 12", got)
	}

	if want := 12000 * factor; math.Abs(last.TotalEmission-want) > 1e-6 {
		t.Errorf("step 30 TotalEmission = %v, want %v", last.TotalEmission, want)
	}
}

func TestForecast_NoFeedbackWithoutGrowth(t *testing.T) {
	var inputs [][]float64
	m := &model.Func{
		Names: features.IndustrialSchema.Fields(),
		Fn: func(ctx context.Context, x []float64) (float64, error) {
			inputs = append(inputs, append([]float64(nil), x...))
			return 500, nil
		},
	}
	f := newForecaster(m)

	_, err := f.Forecast(context.Background(), Request{
		Domain:  api.DomainIndustrial,
		History: []api.DailyRecord{plantSeed()},
		Horizon: 10,
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(inputs) != 10 {
		t.Fatalf("model called %d times, want 10", len(inputs))
	}
	for i := 1; i < len(inputs); i++ {
		for j := range inputs[0] {
			if inputs[i][j] != inputs[0][j] {
				t.Fatalf("step %d feature %d = %v, want %v (prior output must not feed back)", i+1, j, inputs[i][j], inputs[0][j])
			}
		}
	}
}

func TestForecast_HorizonBounds(t *testing.T) {
	f := newForecaster(echoElectricity())
	tests := []struct {
		horizon int
		want    error
	}{
		{0, ErrInvalidHorizon},
		{-3, ErrInvalidHorizon},
		{181, ErrHorizonExceeded},
		{180, nil},
	}
	for _, tt := range tests {
		_, err := f.Forecast(context.Background(), Request{
			Domain:  api.DomainIndustrial,
			History: []api.DailyRecord{plantSeed()},
			Horizon: tt.horizon,
		})
		if !errors.Is(err, tt.want) {
			t.Errorf("Forecast(horizon=%d) error = %v, want %v", tt.horizon, err, tt.want)
		}
	}
}

func TestForecast_ProgressReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := newForecaster(echoElectricity(), WithMetrics(m))

	var done []int
	res, err := f.Forecast(context.Background(), Request{
		Domain:   api.DomainIndustrial,
		History:  []api.DailyRecord{plantSeed()},
		Horizon:  90,
		Progress: func(d, total int) { done = append(done, d) },
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(done) != 3 || done[0] != 30 || done[1] != 60 || done[2] != 90 {
		t.Errorf("progress = %v, want [30 60 90]", done)
	}
	if len(res.Records) != 90 {
		t.Errorf("len(Records) = %d, want 90", len(res.Records))
	}
	if got := testutil.ToFloat64(m.ForecastSteps); got != 90 {
		t.Errorf("forecast steps counter = %v, want 90", got)
	}
}

func TestForecast_CancelReturnsPartial(t *testing.T) {
	f := newForecaster(echoElectricity())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := f.Forecast(ctx, Request{
		Domain:   api.DomainIndustrial,
		History:  []api.DailyRecord{plantSeed()},
		Horizon:  180,
		Progress: func(d, total int) { cancel() },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Forecast error = %v, want context.Canceled", err)
	}
	if res == nil || !res.Partial {
		t.Fatalf("result = %+v, want partial result", res)
	}
	if len(res.Records) != 30 {
		t.Errorf("len(Records) = %d, want 30 completed steps", len(res.Records))
	}
}

func TestForecast_EmptyHistoryUsesDefault(t *testing.T) {
	f := newForecaster(echoElectricity())
	start := api.NewDate(2024, time.July, 1)

	res, err := f.Forecast(context.Background(), Request{
		Domain:   api.DomainIndustrial,
		Industry: "steel",
		Start:    start,
		Horizon:  5,
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	steel, _ := emission.LookupIndustry("steel")
	for i, rec := range res.Records {
		if rec.Source != api.SourceDefault {
			t.Errorf("Records[%d].Source = %s, want default-fallback", i, rec.Source)
		}
		if math.Abs(rec.TotalEmission-steel.DefaultForDays(1)) > 1e-9 {
			t.Errorf("Records[%d].TotalEmission = %v, want %v", i, rec.TotalEmission, steel.DefaultForDays(1))
		}
	}
	if !res.Records[0].Date.Equal(start) {
		t.Errorf("first date = %s, want %s", res.Records[0].Date, start)
	}
}

func TestForecast_Individual(t *testing.T) {
	c := cascade.New(nil, cascade.WithLogger(quietLogger()))
	f := New(c, api.DefaultEngineParams(), WithLogger(quietLogger()))

	ratio := 1.0
	var history []api.DailyRecord
	for d := 1; d <= 10; d++ {
		history = append(history, api.DailyRecord{
			Date: api.NewDate(2024, time.May, d),
			SectorValues: map[string]float64{
				emission.SectorTransport:   3,
				emission.SectorElectricity: 2,
				emission.SectorFood:        1,
			},
			TotalEmission:        6,
			PublicTransportRatio: &ratio,
		})
	}

	res, err := f.Forecast(context.Background(), Request{
		Domain:       api.DomainIndividual,
		History:      history,
		Horizon:      14,
		WeeklyGrowth: 0.07,
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	for i, rec := range res.Records {
		if rec.Source != api.SourceStatistical {
			t.Errorf("Records[%d].Source = %s, want statistical-fallback", i, rec.Source)
		}
		want := 6 * GrowthFactor(0.07, i+1)
		if math.Abs(rec.TotalEmission-want) > 1e-9 {
			t.Errorf("Records[%d].TotalEmission = %v, want %v", i, rec.TotalEmission, want)
		}
		if rec.TransportMode != "Public" {
			t.Errorf("Records[%d].TransportMode = %q, want Public", i, rec.TransportMode)
		}
	}
}

func TestScaleState_LeavesSeedUntouched(t *testing.T) {
	seed := plantSeed()
	scaled := ScaleState(seed, IndustrialGrowthFields, 2)
	if seed.SectorValues[emission.FieldElectricityKWh] != 12000 {
		t.Error("ScaleState mutated its input")
	}
	if scaled.SectorValues[emission.FieldElectricityKWh] != 24000 {
		t.Errorf("scaled electricity = %v, want 24000", scaled.SectorValues[emission.FieldElectricityKWh])
	}
	if _, ok := scaled.SectorValues[emission.FieldCoalTon]; ok {
		t.Error("ScaleState introduced an absent field")
	}
}

func monthlyModel(calls *int) *model.Func {
	return &model.Func{
		Names: features.BehavioralSchema.Fields(),
		Ver:   "monthly",
		Fn: func(ctx context.Context, x []float64) (float64, error) {
			*calls++
			return 310, nil
		},
	}
}

func TestForecast_InvalidDaysDoNotTakeWindowSlots(t *testing.T) {
	calls := 0
	c := cascade.New(cascade.StaticModels{api.DomainIndividual: monthlyModel(&calls)}, cascade.WithLogger(quietLogger()))
	f := New(c, api.DefaultEngineParams(), WithLogger(quietLogger()))

	var history []api.DailyRecord
	for d, total := range []float64{10, 11, 9.5, 10.2, 10.8, math.NaN(), math.NaN(), math.NaN()} {
		history = append(history, api.DailyRecord{Date: api.NewDate(2024, time.May, d+1), TotalEmission: total})
	}

	res, err := f.Forecast(context.Background(), Request{
		Domain:  api.DomainIndividual,
		History: history,
		Horizon: 1,
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	rec := res.Records[0]
	if rec.Source != api.SourceModel || calls != 1 {
		t.Fatalf("Source = %s after %d model calls, want model after 1", rec.Source, calls)
	}
	if math.Abs(rec.TotalEmission-10) > 1e-9 {
		t.Errorf("TotalEmission = %v, want 310/31", rec.TotalEmission)
	}
	if !rec.Date.Equal(api.NewDate(2024, time.May, 9)) {
		t.Errorf("Date = %s, want the day after the last history entry", rec.Date)
	}
	if res.Samples != 5 {
		t.Errorf("Samples = %d, want 5", res.Samples)
	}
}

func TestForecast_SynthesizedHistoryNeverSeedsModel(t *testing.T) {
	calls := 0
	c := cascade.New(cascade.StaticModels{api.DomainIndividual: monthlyModel(&calls)}, cascade.WithLogger(quietLogger()))
	f := New(c, api.DefaultEngineParams(), WithLogger(quietLogger()))

	var history []api.DailyRecord
	for d := 1; d <= 5; d++ {
		history = append(history, api.DailyRecord{
			Date:          api.NewDate(2024, time.May, d),
			TotalEmission: 10,
			IsSynthesized: true,
		})
	}

	for _, horizon := range []int{1, 7} {
		res, err := f.Forecast(context.Background(), Request{
			Domain:  api.DomainIndividual,
			History: history,
			Horizon: horizon,
		})
		if err != nil {
			t.Fatalf("Forecast(horizon %d): %v", horizon, err)
		}
		if calls != 0 {
			t.Fatalf("horizon %d: model called %d times on a synthesized window", horizon, calls)
		}
		if src := res.Records[0].Source; src != api.SourceDefault {
			t.Errorf("horizon %d: Source = %s, want default-fallback", horizon, src)
		}
		if res.Samples != 0 {
			t.Errorf("horizon %d: Samples = %d, want 0", horizon, res.Samples)
		}
	}
}
