package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/cache"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/emission"
	"github.com/carbonmeter/emissions/internal/events"
	"github.com/carbonmeter/emissions/internal/features"
	"github.com/carbonmeter/emissions/internal/forecast"
	"github.com/carbonmeter/emissions/internal/journal"
	"github.com/carbonmeter/emissions/internal/ledger"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func march(d int) api.Date { return api.NewDate(2024, time.March, d) }

type fixture struct {
	engine  *Engine
	store   *ledger.MemoryStore
	events  *events.Recorder
	journal *journal.Journal
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	models := cascade.StaticModels{
		api.DomainIndividual: model.Constant(features.BehavioralSchema.Fields(), 310),
		api.DomainIndustrial: model.Constant(features.IndustrialSchema.Fields(), 40000),
	}
	c := cascade.New(models, cascade.WithLogger(quietLogger()), cascade.WithMetrics(m))
	f := forecast.New(c, api.DefaultEngineParams(), forecast.WithLogger(quietLogger()))

	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	fx := &fixture{store: ledger.NewMemoryStore(), events: &events.Recorder{}, journal: j, metrics: m}
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithJournal(j),
		WithEvents(fx.events),
		WithMetrics(m),
		WithClock(func() time.Time { return time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC) }),
	}, opts...)
	fx.engine = New(fx.store, c, f, opts...)
	return fx
}

func (fx *fixture) seedIndividual(t *testing.T, id string, days int) {
	t.Helper()
	l := &ledger.Ledger{SubjectID: id, Domain: api.DomainIndividual}
	for d := 1; d <= days; d++ {
		l.Records = append(l.Records, api.DailyRecord{
			Date:          march(d),
			SectorValues:  map[string]float64{"transport": 4, "electricity": 6},
			TotalEmission: 10,
		})
	}
	if err := fx.store.Save(context.Background(), l); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) seedPlant(t *testing.T, id string) {
	t.Helper()
	l := &ledger.Ledger{SubjectID: id, Domain: api.DomainIndustrial, Industry: "cement"}
	for d := 1; d <= 3; d++ {
		l.Records = append(l.Records, api.DailyRecord{
			Date: march(d),
			SectorValues: map[string]float64{
				emission.FieldElectricityKWh:      12000,
				emission.FieldCementTon:           80,
				emission.FieldOperatingHours:      16,
				emission.FieldCapacityUtilization: 0.8,
			},
			TotalEmission: 61840,
		})
	}
	if err := fx.store.Save(context.Background(), l); err != nil {
		t.Fatal(err)
	}
}

func TestBackfill_AppendsNextDay(t *testing.T) {
	fx := newFixture(t)
	fx.seedIndividual(t, "user-1", 7)

	res, err := fx.engine.Backfill(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.AlreadyPredicted {
		t.Fatal("AlreadyPredicted on first backfill")
	}
	rec := res.Record
	if !rec.Date.Equal(march(8)) || !rec.IsSynthesized || rec.Source != api.SourceModel {
		t.Errorf("record = %+v", rec)
	}
	if want := 310.0 / 31; rec.TotalEmission != want {
		t.Errorf("TotalEmission = %v, want %v (monthly / days in March)", rec.TotalEmission, want)
	}
	if rec.TransportMode != "Private" {
		t.Errorf("TransportMode = %q, want Private", rec.TransportMode)
	}

	l, _ := fx.store.Load(context.Background(), "user-1")
	if len(l.Records) != 8 {
		t.Errorf("ledger length = %d, want 8", len(l.Records))
	}

	entries, err := journal.Replay(fx.journal.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != ActionBackfill || entries[0].Dates[0] != "2024-03-08" {
		t.Errorf("journal = %+v", entries)
	}
	if evs := fx.events.Events(); len(evs) != 1 || evs[0].RunID != res.RunID {
		t.Errorf("events = %+v", evs)
	}
}

func TestBackfill_SecondCallIsNoOp(t *testing.T) {
	fx := newFixture(t)
	fx.seedIndividual(t, "user-1", 7)
	ctx := context.Background()

	first, err := fx.engine.Backfill(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := fx.store.Load(ctx, "user-1")

	second, err := fx.engine.Backfill(ctx, "user-1")
	if err != nil {
		t.Fatalf("second Backfill: %v", err)
	}
	if !second.AlreadyPredicted {
		t.Error("AlreadyPredicted = false on repeated backfill")
	}
	if !ledger.Equal(second.Record, first.Record) {
		t.Errorf("returned record %+v, want the stored %+v", second.Record, first.Record)
	}

	after, _ := fx.store.Load(ctx, "user-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || len(after.Records) != len(before.Records) {
		t.Error("ledger was rewritten by a no-op backfill")
	}
	if n := len(fx.events.Events()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if got := testutil.ToFloat64(fx.metrics.Backfills.WithLabelValues("already_predicted")); got != 1 {
		t.Errorf("already_predicted counter = %v, want 1", got)
	}
}

func TestBackfill_Errors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.engine.Backfill(ctx, "ghost"); !errors.Is(err, ledger.ErrSubjectNotFound) {
		t.Errorf("unknown subject error = %v", err)
	}

	fx.store.Save(ctx, &ledger.Ledger{
		SubjectID: "synthetic-only",
		Domain:    api.DomainIndividual,
		Records:   []api.DailyRecord{{Date: march(1), TotalEmission: 3, IsSynthesized: true}},
	})
	if _, err := fx.engine.Backfill(ctx, "synthetic-only"); !errors.Is(err, ledger.ErrNoRealRecords) {
		t.Errorf("no real records error = %v", err)
	}
}

func TestBackfill_FewSamplesFallsBack(t *testing.T) {
	fx := newFixture(t)
	fx.seedIndividual(t, "new-user", 3)

	res, err := fx.engine.Backfill(context.Background(), "new-user")
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Source != api.SourceStatistical || res.Record.TotalEmission != 10 {
		t.Errorf("record = %+v, want statistical 10", res.Record)
	}
	if res.Record.Confidence > 0.5 {
		t.Errorf("fallback confidence = %v, want <= 0.5", res.Record.Confidence)
	}
}

func TestForecast_PersistsAndSummarizes(t *testing.T) {
	fx := newFixture(t)
	fx.seedPlant(t, "plant-7")
	ctx := context.Background()
	growth := 0.0

	res, err := fx.engine.Forecast(ctx, "plant-7", 30, &growth)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(res.Records) != 30 || res.RunID == "" {
		t.Fatalf("result = %d records, run %q", len(res.Records), res.RunID)
	}
	if !res.Records[0].Date.Equal(march(4)) {
		t.Errorf("first date = %s, want 2024-03-04", res.Records[0].Date)
	}
	if res.Summary == nil || res.Summary.PeriodDays != 30 || res.Summary.Trend != "stable" {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Summary.ScopeBreakdown["scope1_percentage"] != 62 {
		t.Errorf("scope breakdown = %v", res.Summary.ScopeBreakdown)
	}

	l, _ := fx.store.Load(ctx, "plant-7")
	if len(l.Records) != 33 {
		t.Errorf("ledger length = %d, want 33", len(l.Records))
	}

	// re-running over the same state changes nothing
	if _, err := fx.engine.Forecast(ctx, "plant-7", 30, &growth); err != nil {
		t.Fatal(err)
	}
	again, _ := fx.store.Load(ctx, "plant-7")
	if len(again.Records) != 33 {
		t.Errorf("ledger length after rerun = %d, want 33", len(again.Records))
	}
}

func TestForecast_HorizonExceeded(t *testing.T) {
	fx := newFixture(t)
	fx.seedPlant(t, "plant-7")
	if _, err := fx.engine.Forecast(context.Background(), "plant-7", 181, nil); !errors.Is(err, forecast.ErrHorizonExceeded) {
		t.Errorf("error = %v, want ErrHorizonExceeded", err)
	}
}

func TestImport_ReplacesSynthesized(t *testing.T) {
	fx := newFixture(t)
	fx.seedIndividual(t, "user-1", 7)
	ctx := context.Background()

	if _, err := fx.engine.Backfill(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	observed := api.DailyRecord{Date: march(8), SectorValues: map[string]float64{"food": 3}, TotalEmission: 3}
	res, err := fx.engine.Import(ctx, "user-1", api.DomainIndividual, "", []api.DailyRecord{observed})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Counts[ledger.ActionRefreshed] != 1 || res.Records != 8 {
		t.Errorf("import result = %+v", res)
	}

	l, _ := fx.store.Load(ctx, "user-1")
	rec, _ := ledger.Find(l.Records, march(8))
	if rec.IsSynthesized || rec.TotalEmission != 3 {
		t.Errorf("march 8 = %+v, want the imported real record", rec)
	}
}

func TestImport_CreatesLedger(t *testing.T) {
	fx := newFixture(t)
	rows := []api.DailyRecord{{Date: march(1), TotalEmission: 5}}
	if _, err := fx.engine.Import(context.Background(), "fresh", api.DomainIndustrial, "steel", rows); err != nil {
		t.Fatal(err)
	}
	l, err := fx.store.Load(context.Background(), "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if l.Domain != api.DomainIndustrial || l.Industry != "steel" || len(l.Records) != 1 {
		t.Errorf("ledger = %+v", l)
	}
}

func TestPredict_CachesStatelessResults(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := cache.NewForecastCache(16, time.Minute, m)
	if err != nil {
		t.Fatal(err)
	}
	fx := newFixture(t, WithCache(c))

	req := &api.ForecastRequest{
		SubjectID: "org-1",
		Domain:    api.DomainIndustrial,
		Industry:  "steel",
		Horizon:   30,
		HistoricalWindow: []api.DailyRecord{{
			Date:          march(1),
			SectorValues:  map[string]float64{emission.FieldSteelTon: 10},
			TotalEmission: 18500,
		}},
	}
	first, err := fx.engine.Predict(context.Background(), req)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	second, err := fx.engine.Predict(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.RunID != second.RunID {
		t.Error("second call was not served from cache")
	}
	if got := testutil.ToFloat64(m.CacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if first.Summary == nil || len(first.Summary.Recommendations) == 0 {
		t.Errorf("summary = %+v", first.Summary)
	}
}

func TestPredict_SingleDayWithoutGrowth(t *testing.T) {
	fx := newFixture(t)
	var window []api.DailyRecord
	for d := 1; d <= 7; d++ {
		window = append(window, api.DailyRecord{Date: march(d), TotalEmission: 10})
	}

	res, err := fx.engine.Predict(context.Background(), &api.ForecastRequest{
		SubjectID:        "anon",
		Domain:           api.DomainIndividual,
		Horizon:          1,
		HistoricalWindow: window,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Records[0].TotalEmission; got != 310.0/31 {
		t.Errorf("TotalEmission = %v, want %v", got, 310.0/31)
	}
	if res.Summary != nil {
		t.Error("single-day prediction carries a period summary")
	}
}

func TestPredict_WindowSamples(t *testing.T) {
	totals := func(vals ...float64) []api.DailyRecord {
		var out []api.DailyRecord
		for i, v := range vals {
			out = append(out, api.DailyRecord{Date: march(i + 1), TotalEmission: v})
		}
		return out
	}
	synthesized := totals(10, 10, 10, 10, 10)
	for i := range synthesized {
		synthesized[i].IsSynthesized = true
	}
	nan := math.NaN()

	tests := []struct {
		name    string
		window  []api.DailyRecord
		source  api.SourceTag
		samples int
	}{
		{"missing trailing days", totals(10, 11, 9.5, 10.2, 10.8, nan, nan, nan), api.SourceModel, 5},
		{"synthesized only", synthesized, api.SourceDefault, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			res, err := fx.engine.Predict(context.Background(), &api.ForecastRequest{
				SubjectID:        "anon",
				Domain:           api.DomainIndividual,
				Horizon:          1,
				HistoricalWindow: tt.window,
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := res.Records[0].Source; got != tt.source {
				t.Errorf("Source = %v, want %v", got, tt.source)
			}
			if res.Samples != tt.samples {
				t.Errorf("Samples = %v, want %v", res.Samples, tt.samples)
			}
		})
	}
}

func TestBackfill_SkipsInvalidTrailingDays(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	l := &ledger.Ledger{SubjectID: "user-2", Domain: api.DomainIndividual}
	for d := 1; d <= 8; d++ {
		total := 10.0
		if d > 5 {
			total = math.NaN()
		}
		l.Records = append(l.Records, api.DailyRecord{Date: march(d), TotalEmission: total})
	}
	if err := fx.store.Save(ctx, l); err != nil {
		t.Fatal(err)
	}

	res, err := fx.engine.Backfill(ctx, "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Record.Date.Equal(march(9)) {
		t.Errorf("Date = %s, want 2024-03-09", res.Record.Date)
	}
	if res.Record.Source != api.SourceModel {
		t.Errorf("Source = %v, want %v", res.Record.Source, api.SourceModel)
	}
}

func TestForecast_NoRealRecords(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.Save(ctx, &ledger.Ledger{
		SubjectID: "synthetic-plant",
		Domain:    api.DomainIndustrial,
		Industry:  "cement",
		Records:   []api.DailyRecord{{Date: march(1), TotalEmission: 3, IsSynthesized: true}},
	})

	if _, err := fx.engine.Forecast(ctx, "synthetic-plant", 7, nil); !errors.Is(err, ledger.ErrNoRealRecords) {
		t.Errorf("Forecast error = %v, want ErrNoRealRecords", err)
	}
	l, _ := fx.store.Load(ctx, "synthetic-plant")
	if len(l.Records) != 1 {
		t.Errorf("ledger length = %d, want 1", len(l.Records))
	}
	if n := len(fx.events.Events()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestMissing(t *testing.T) {
	fx := newFixture(t)
	fx.seedIndividual(t, "user-1", 7)

	got, err := fx.engine.Missing(context.Background(), "user-1", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Equal(march(9)) || !got[1].Equal(march(8)) {
		t.Errorf("Missing = %v, want [2024-03-09 2024-03-08]", got)
	}
}

func TestModels_InstallAndRollback(t *testing.T) {
	reg, err := model.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(api.DomainIndustrial, model.Constant(features.IndustrialSchema.Fields(), 40000), nil); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(api.DomainIndustrial, "constant"); err != nil {
		t.Fatal(err)
	}
	fc, err := cache.NewForecastCache(16, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := cascade.New(reg, cascade.WithLogger(quietLogger()))
	f := forecast.New(c, api.DefaultEngineParams(), forecast.WithLogger(quietLogger()))
	e := New(ledger.NewMemoryStore(), c, f, WithLogger(quietLogger()), WithRegistry(reg), WithCache(fc))

	ctx := context.Background()
	predict := func() float64 {
		t.Helper()
		res, err := e.Predict(ctx, &api.ForecastRequest{
			SubjectID: "org-1",
			Domain:    api.DomainIndustrial,
			Industry:  "steel",
			Horizon:   1,
			HistoricalWindow: []api.DailyRecord{{
				Date:          march(1),
				SectorValues:  map[string]float64{emission.FieldSteelTon: 10},
				TotalEmission: 18500,
			}},
		})
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		return res.Records[0].TotalEmission
	}

	if got := predict(); got != 40000 {
		t.Fatalf("initial prediction = %v, want 40000", got)
	}

	artifact, _ := json.Marshal(model.Artifact{
		Type:         "linear",
		Version:      "industrial-v2",
		FeatureNames: features.IndustrialSchema.Fields(),
		Intercept:    100,
		Coefficients: make([]float64, len(features.IndustrialSchema.Fields())),
	})
	installed, err := e.InstallModel(api.DomainIndustrial, artifact)
	if err != nil {
		t.Fatalf("InstallModel: %v", err)
	}
	if installed.Version != "industrial-v2" || installed.Status != model.StatusActive {
		t.Errorf("installed = %+v", installed)
	}
	if fc.Len() != 0 {
		t.Errorf("cache entries after install = %d, want 0", fc.Len())
	}
	if got := predict(); got != 100 {
		t.Errorf("prediction after install = %v, want 100", got)
	}

	st, err := e.Models(api.DomainIndustrial)
	if err != nil {
		t.Fatal(err)
	}
	if st.Active != "industrial-v2" || st.Previous != "constant" || len(st.Versions) != 2 {
		t.Errorf("Models = %+v", st)
	}

	back, err := e.RollbackModel(api.DomainIndustrial)
	if err != nil {
		t.Fatalf("RollbackModel: %v", err)
	}
	if back.Version != "constant" {
		t.Errorf("active after rollback = %s, want constant", back.Version)
	}
	if got := predict(); got != 40000 {
		t.Errorf("prediction after rollback = %v, want 40000", got)
	}
}

func TestModels_Errors(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.engine.Models(api.DomainIndustrial); !errors.Is(err, ErrNoRegistry) {
		t.Errorf("Models without registry = %v, want ErrNoRegistry", err)
	}

	reg, err := model.NewRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	fx = newFixture(t, WithRegistry(reg))
	if _, err := fx.engine.RollbackModel(api.DomainIndividual); !errors.Is(err, model.ErrNoPrevious) {
		t.Errorf("RollbackModel on empty registry = %v, want ErrNoPrevious", err)
	}

	artifact, _ := json.Marshal(model.Artifact{Type: "linear", Version: "wrong", FeatureNames: []string{"x"}, Coefficients: []float64{1}})
	if _, err := fx.engine.InstallModel(api.DomainIndividual, artifact); !errors.Is(err, features.ErrSchemaMismatch) {
		t.Errorf("InstallModel with foreign schema = %v, want ErrSchemaMismatch", err)
	}
	if len(reg.List(api.DomainIndividual)) != 0 {
		t.Error("rejected artifact was registered")
	}
}
