// Package forecast projects a subject's emissions over multiple future days
// by re-running the prediction cascade on a deterministically grown state.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/emission"
	"github.com/carbonmeter/emissions/internal/features"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/pkg/otel"
)

var (
	ErrHorizonExceeded = errors.New("horizon exceeds maximum")
	ErrInvalidHorizon  = errors.New("horizon must be at least 1")
)

// IndustrialGrowthFields are the consumption, production and material fields
// scaled at each step. Capacity-bound fields (operating hours, utilization)
// and derived ratios are never scaled.
var IndustrialGrowthFields = []string{
	emission.FieldElectricityKWh,
	emission.FieldDieselLiter,
	emission.FieldNaturalGasM3,
	emission.FieldCementTon,
	emission.FieldSteelTon,
	emission.FieldPlasticKg,
	emission.FieldProductionUnits,
	emission.FieldCoalTon,
	emission.FieldChemicalTon,
	emission.FieldGeneratedMWh,
}

// GrowthFields returns the growth-sensitive fields of a domain.
func GrowthFields(domain api.Domain) []string {
	if domain == api.DomainIndustrial {
		return IndustrialGrowthFields
	}
	return emission.IndividualSectors
}

// GrowthFactor is the linear compounding factor applied at step i.
func GrowthFactor(weeklyRate float64, step int) float64 {
	return 1 + (weeklyRate/7)*float64(step)
}

// ScaleState returns a copy of rec with fields and the total multiplied by
// factor. Absent fields stay absent; non-finite values are left as they are.
func ScaleState(rec api.DailyRecord, fields []string, factor float64) api.DailyRecord {
	out := rec.Clone()
	for _, f := range fields {
		v, ok := out.SectorValues[f]
		if !ok || !api.IsFinite(v) {
			continue
		}
		out.SectorValues[f] = v * factor
	}
	if api.IsFinite(out.TotalEmission) {
		out.TotalEmission *= factor
	}
	return out
}

// ProgressFunc receives the number of completed steps out of total.
type ProgressFunc func(done, total int)

// Request describes one multi-day projection.
type Request struct {
	Domain   api.Domain
	Industry string

	// History is chronological. Only observed, valid records seed the
	// projection; with none the default tier runs. The first step falls on
	// Start, or on the day after the last history record when Start is zero.
	History []api.DailyRecord
	Start   api.Date

	Horizon      int
	WeeklyGrowth float64
	Overrides    map[string]float64
	Progress     ProgressFunc
}

// Forecaster runs the per-step cascade for a whole horizon.
type Forecaster struct {
	cascade *cascade.Cascade
	params  api.EngineParams
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Forecaster.
type Option func(*Forecaster)

func WithLogger(l *slog.Logger) Option { return func(f *Forecaster) { f.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(f *Forecaster) { f.metrics = m } }

// New creates a forecaster on top of c.
func New(c *cascade.Cascade, params api.EngineParams, opts ...Option) *Forecaster {
	f := &Forecaster{
		cascade: c,
		params:  params,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "forecast")
	return f
}

// Params returns the engine parameters in use.
func (f *Forecaster) Params() api.EngineParams { return f.params }

// CheckHorizon validates a horizon against the configured maximum.
func (f *Forecaster) CheckHorizon(horizon int) error {
	if horizon < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidHorizon, horizon)
	}
	if f.params.MaxHorizon > 0 && horizon > f.params.MaxHorizon {
		return fmt.Errorf("%w: %d > %d", ErrHorizonExceeded, horizon, f.params.MaxHorizon)
	}
	return nil
}

// Forecast produces exactly req.Horizon synthesized records with day_ahead
// 1..Horizon. Steps are sequential and never feed a prior prediction back as
// input. When ctx is cancelled between steps the records computed so far are
// returned with Partial set, together with ctx.Err().
func (f *Forecaster) Forecast(ctx context.Context, req Request) (*api.ForecastResult, error) {
	if err := f.CheckHorizon(req.Horizon); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, "forecast", "forecast.Forecast",
		otel.SubjectAttributes("", string(req.Domain), req.Industry)...)
	defer span.End()

	started := time.Now()
	if f.metrics != nil {
		defer func() {
			f.metrics.ForecastLatency.WithLabelValues(string(req.Domain)).Observe(time.Since(started).Seconds())
		}()
	}

	seed := f.seedWindow(req)
	base := req.Start.AddDays(-1)
	if req.Start.IsZero() {
		base = api.DateOf(time.Now()).AddDays(-1)
		if n := len(req.History); n > 0 {
			base = req.History[n-1].Date
		}
	}

	fields := GrowthFields(req.Domain)
	result := &api.ForecastResult{
		Domain:  req.Domain,
		Records: make([]api.DailyRecord, 0, req.Horizon),
		Samples: len(seed),
	}

	for i := 1; i <= req.Horizon; i++ {
		if err := ctx.Err(); err != nil {
			result.Partial = true
			f.logger.Info("forecast interrupted", "domain", req.Domain, "steps_done", i-1, "horizon", req.Horizon)
			span.SetAttributes(otel.ForecastAttributes("", req.Horizon, i-1)...)
			return result, err
		}

		factor := GrowthFactor(req.WeeklyGrowth, i)
		window := make([]api.DailyRecord, len(seed))
		for j, rec := range seed {
			window[j] = ScaleState(rec, fields, factor)
		}

		rec, err := f.step(ctx, req, window, base.AddDays(i), i)
		if err != nil {
			otel.RecordError(span, err, "forecast step")
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result.Partial = true
				return result, err
			}
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Records = append(result.Records, rec)

		if f.metrics != nil {
			f.metrics.ForecastSteps.Inc()
		}
		if f.params.ProgressInterval > 0 && i%f.params.ProgressInterval == 0 {
			f.logger.Info("forecast progress", "domain", req.Domain, "steps_done", i, "horizon", req.Horizon)
			if req.Progress != nil {
				req.Progress(i, req.Horizon)
			}
		}
	}

	span.SetAttributes(otel.ForecastAttributes("", req.Horizon, req.Horizon)...)
	return result, nil
}

// seedWindow is the state carried into every step: the last sample for
// industrial subjects, the trailing behavioral window for individuals.
// Invalid and synthesized history is dropped before the window is cut, so
// it never takes a slot from an observed day.
func (f *Forecaster) seedWindow(req Request) []api.DailyRecord {
	valid := cascade.ValidRecords(req.Domain, req.History, false)
	if len(valid) == 0 {
		return nil
	}
	n := 1
	if req.Domain == api.DomainIndividual {
		n = f.params.BehavioralWindow
	}
	return features.Trailing(valid, n)
}

func (f *Forecaster) step(ctx context.Context, req Request, window []api.DailyRecord, date api.Date, dayAhead int) (api.DailyRecord, error) {
	pred, err := f.cascade.Predict(ctx, cascade.Input{
		Domain:     req.Domain,
		Industry:   req.Industry,
		Window:     window,
		TargetDate: date,
		Horizon:    1,
		Overrides:  req.Overrides,
		Simulation: true,
	})
	if err != nil {
		return api.DailyRecord{}, err
	}

	rec := api.DailyRecord{
		Date:            date,
		TotalEmission:   pred.Value,
		IsSynthesized:   true,
		DayAhead:        dayAhead,
		Confidence:      pred.Confidence,
		ConfidenceLabel: pred.ConfidenceLabel,
		Source:          pred.Source,
	}

	if req.Domain == api.DomainIndustrial {
		state, err := f.cascade.Deriver(req.Domain).Derive(window, req.Overrides)
		if err != nil {
			return api.DailyRecord{}, err
		}
		rec.SectorValues = state.Map()
		return rec, nil
	}

	rec.SectorValues = emission.Distribute(pred.Value, window)
	ratio := features.MeanPublicRatio(window)
	rec.TransportMode = features.ModeForRatio(ratio).String()
	rec.PublicTransportRatio = &ratio
	return rec, nil
}
