// Package engine ties the cascade, the recursive forecaster and the ledger
// reconciler to persistent per-subject ledgers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/cache"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/events"
	"github.com/carbonmeter/emissions/internal/forecast"
	"github.com/carbonmeter/emissions/internal/insight"
	"github.com/carbonmeter/emissions/internal/journal"
	"github.com/carbonmeter/emissions/internal/ledger"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/model"
	"github.com/carbonmeter/emissions/internal/subject"
	"github.com/carbonmeter/emissions/pkg/otel"
)

// Journal actions.
const (
	ActionBackfill = "backfill"
	ActionForecast = "forecast"
	ActionImport   = "import"
)

// Engine serves persisted and stateless predictions.
type Engine struct {
	store      ledger.Store
	cascade    *cascade.Cascade
	forecaster *forecast.Forecaster
	subjects   *subject.Manager
	journal    *journal.Journal
	events     events.Publisher
	cache      *cache.ForecastCache
	registry   *model.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithJournal(j *journal.Journal) Option { return func(e *Engine) { e.journal = j } }

func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

func WithCache(c *cache.ForecastCache) Option { return func(e *Engine) { e.cache = c } }

// WithRegistry enables model management. It should be the registry the
// cascade resolves models from.
func WithRegistry(r *model.Registry) Option { return func(e *Engine) { e.registry = r } }

func WithSubjects(m *subject.Manager) Option { return func(e *Engine) { e.subjects = m } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine. The forecaster must be built on c.
func New(store ledger.Store, c *cascade.Cascade, f *forecast.Forecaster, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		cascade:    c,
		forecaster: f,
		events:     events.NopPublisher{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.subjects == nil {
		e.subjects = subject.NewManager(subject.DefaultLimits())
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Params returns the engine parameters of the forecaster.
func (e *Engine) Params() api.EngineParams { return e.forecaster.Params() }

// Subjects exposes the per-subject limiter used by the HTTP layer.
func (e *Engine) Subjects() *subject.Manager { return e.subjects }

// Ledger returns a subject's stored ledger.
func (e *Engine) Ledger(ctx context.Context, subjectID string) (*ledger.Ledger, error) {
	if err := ledger.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}
	return e.store.Load(ctx, subjectID)
}

// ListSubjects returns every subject with a stored ledger.
func (e *Engine) ListSubjects(ctx context.Context) ([]string, error) {
	return e.store.Subjects(ctx)
}

// BackfillResult is the outcome of a single-day backfill.
type BackfillResult struct {
	RunID            string          `json:"run_id,omitempty"`
	SubjectID        string          `json:"subject_id"`
	Record           api.DailyRecord `json:"record"`
	AlreadyPredicted bool            `json:"already_predicted"`
}

// Backfill synthesizes the day after the subject's last real record and
// appends it to the ledger. When that day already holds a synthesized record
// nothing is written and the existing record is returned.
func (e *Engine) Backfill(ctx context.Context, subjectID string) (*BackfillResult, error) {
	ctx, span := otel.StartSpan(ctx, "engine", "engine.Backfill", otel.SubjectAttributes(subjectID, "", "")...)
	defer span.End()

	var out *BackfillResult
	err := e.subjects.Do(ctx, subjectID, func(ctx context.Context) error {
		l, err := e.Ledger(ctx, subjectID)
		if err != nil {
			return err
		}
		plan, err := ledger.PlanBackfill(l.Records, e.Params().BehavioralWindow, func(rec api.DailyRecord) bool {
			return cascade.IsSample(l.Domain, rec, false)
		})
		if err != nil {
			return err
		}
		if plan.AlreadyPredicted {
			e.countBackfill("already_predicted")
			e.logger.Info("backfill skipped, day already predicted", "subject_id", subjectID, "date", plan.Target)
			otel.AddEvent(span, "already_predicted", otel.AttrAlreadyDone.Bool(true))
			out = &BackfillResult{SubjectID: subjectID, Record: *plan.Existing, AlreadyPredicted: true}
			return nil
		}

		res, err := e.forecaster.Forecast(ctx, forecast.Request{
			Domain:   l.Domain,
			Industry: l.Industry,
			History:  plan.Window,
			Start:    plan.Target,
			Horizon:  1,
		})
		if err != nil {
			return err
		}
		rec := res.Records[0]

		runID := uuid.NewString()
		if _, err := e.commit(ctx, l, runID, ActionBackfill, res.Records); err != nil {
			return err
		}
		e.countBackfill("appended")
		e.publish(ctx, events.Event{
			Type:      events.TypeBackfillAppended,
			SubjectID: subjectID,
			RunID:     runID,
			Domain:    string(l.Domain),
			Dates:     []string{rec.Date.String()},
			Total:     rec.TotalEmission,
			Source:    string(rec.Source),
		})
		span.SetAttributes(otel.ForecastAttributes(runID, 1, 1)...)
		out = &BackfillResult{RunID: runID, SubjectID: subjectID, Record: rec}
		return nil
	})
	if err != nil {
		e.countBackfill("error")
		otel.RecordError(span, err, "backfill")
		return nil, err
	}
	return out, nil
}

// Forecast projects a subject's ledger horizon days past its last real
// record and merges the projection into the ledger. A ledger without real
// records fails with ledger.ErrNoRealRecords. A nil weeklyGrowth uses
// the configured default. An interrupted run returns the partial result and
// leaves the ledger untouched.
func (e *Engine) Forecast(ctx context.Context, subjectID string, horizon int, weeklyGrowth *float64) (*api.ForecastResult, error) {
	if err := e.forecaster.CheckHorizon(horizon); err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, "engine", "engine.Forecast", otel.SubjectAttributes(subjectID, "", "")...)
	defer span.End()

	growth := e.Params().DefaultWeeklyGrowth
	if weeklyGrowth != nil && api.IsFinite(*weeklyGrowth) {
		growth = *weeklyGrowth
	}

	var out *api.ForecastResult
	err := e.subjects.Do(ctx, subjectID, func(ctx context.Context) error {
		l, err := e.Ledger(ctx, subjectID)
		if err != nil {
			return err
		}
		history := ledger.RealSubset(l.Records)
		if len(history) == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrNoRealRecords, subjectID)
		}
		start := history[len(history)-1].Date.AddDays(1)

		res, err := e.forecaster.Forecast(ctx, forecast.Request{
			Domain:       l.Domain,
			Industry:     l.Industry,
			History:      history,
			Start:        start,
			Horizon:      horizon,
			WeeklyGrowth: growth,
		})
		if err != nil {
			out = res
			return err
		}
		res.RunID = uuid.NewString()
		res.SubjectID = subjectID
		res.Summary = insight.Summarize(res, l.Industry)

		if _, err := e.commit(ctx, l, res.RunID, ActionForecast, res.Records); err != nil {
			return err
		}
		dates := make([]string, len(res.Records))
		for i, rec := range res.Records {
			dates[i] = rec.Date.String()
		}
		e.publish(ctx, events.Event{
			Type:      events.TypeForecastAppended,
			SubjectID: subjectID,
			RunID:     res.RunID,
			Domain:    string(l.Domain),
			Dates:     dates,
			Total:     res.Total(),
		})
		out = res
		return nil
	})
	if err != nil {
		otel.RecordError(span, err, "forecast")
		return out, err
	}
	return out, nil
}

// Predict serves a stateless request. Multi-day requests use the default
// weekly growth unless one is given; single-day requests grow only when a
// rate is given explicitly. Completed results are cached by fingerprint.
func (e *Engine) Predict(ctx context.Context, req *api.ForecastRequest) (*api.ForecastResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := e.forecaster.CheckHorizon(req.Horizon); err != nil {
		return nil, err
	}
	domain, _ := api.ParseDomain(string(req.Domain))

	var key string
	if e.cache != nil {
		if k, err := cache.Fingerprint(req, e.Params()); err == nil {
			key = k
			if res, ok := e.cache.Get(key); ok {
				return res, nil
			}
		}
	}

	growth := req.GrowthRate(0)
	if req.Horizon > 1 {
		growth = req.GrowthRate(e.Params().DefaultWeeklyGrowth)
	}

	history := make([]api.DailyRecord, len(req.HistoricalWindow))
	copy(history, req.HistoricalWindow)
	ledger.Sort(history)

	var start api.Date
	if len(history) == 0 {
		start = api.DateOf(e.now().UTC())
	}

	res, err := e.forecaster.Forecast(ctx, forecast.Request{
		Domain:       domain,
		Industry:     req.Industry,
		History:      history,
		Start:        start,
		Horizon:      req.Horizon,
		WeeklyGrowth: growth,
		Overrides:    req.FeatureOverrides,
	})
	if err != nil {
		return res, err
	}
	res.RunID = uuid.NewString()
	res.SubjectID = req.SubjectID
	if req.Horizon > 1 {
		res.Summary = insight.Summarize(res, req.Industry)
	}

	if key != "" {
		e.cache.Add(key, res)
	}
	return res, nil
}

// ImportResult reports what an import changed.
type ImportResult struct {
	SubjectID string                `json:"subject_id"`
	Counts    map[ledger.Action]int `json:"counts"`
	Records   int                   `json:"records"`
}

// Import merges observed records into a subject's ledger, creating it when
// absent. Imported rows replace synthesized records for the same dates.
func (e *Engine) Import(ctx context.Context, subjectID string, domain api.Domain, industry string, records []api.DailyRecord) (*ImportResult, error) {
	if err := ledger.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}

	var out *ImportResult
	err := e.subjects.Do(ctx, subjectID, func(ctx context.Context) error {
		l, err := e.store.Load(ctx, subjectID)
		switch {
		case errors.Is(err, ledger.ErrSubjectNotFound):
			l = &ledger.Ledger{SubjectID: subjectID, Domain: domain, Industry: industry}
		case err != nil:
			return err
		}

		res, err := e.commit(ctx, l, uuid.NewString(), ActionImport, records)
		if err != nil {
			return err
		}
		out = &ImportResult{SubjectID: subjectID, Counts: res.Counts, Records: len(l.Records)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Missing lists days without a record in the lookback window ending
// yesterday, newest first.
func (e *Engine) Missing(ctx context.Context, subjectID string, lookback, limit int) ([]api.Date, error) {
	l, err := e.Ledger(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	end := api.DateOf(e.now().UTC()).AddDays(-1)
	return ledger.MissingDates(l.Records, end, lookback, limit), nil
}

// commit reconciles incoming into l, journals the affected dates and saves
// the snapshot. l is updated in place. Nothing is written when the
// reconciliation changes nothing.
func (e *Engine) commit(ctx context.Context, l *ledger.Ledger, runID, action string, incoming []api.DailyRecord) (*ledger.Result, error) {
	res := ledger.Reconcile(l.Records, incoming)
	if e.metrics != nil {
		for a, n := range res.Counts {
			e.metrics.ReconcileOps.WithLabelValues(string(a)).Add(float64(n))
		}
	}
	if !res.Changed() {
		return res, nil
	}

	dates := make([]string, len(res.Affected))
	for i, d := range res.Affected {
		dates[i] = d.String()
	}
	sort.Strings(dates)

	if e.journal != nil {
		if err := e.journal.Append(journal.Entry{
			RunID:     runID,
			SubjectID: l.SubjectID,
			Action:    action,
			Dates:     dates,
		}); err != nil {
			if e.metrics != nil {
				e.metrics.JournalErrors.Inc()
			}
			return nil, fmt.Errorf("journal %s for %s: %w", action, l.SubjectID, err)
		}
	}

	l.Records = res.Records
	l.UpdatedAt = e.now().UTC()
	if err := e.store.Save(ctx, l); err != nil {
		return nil, fmt.Errorf("save ledger %s: %w", l.SubjectID, err)
	}
	e.logger.Info("ledger updated",
		"subject_id", l.SubjectID,
		"run_id", runID,
		"action", action,
		"appended", res.Counts[ledger.ActionAppended],
		"refreshed", res.Counts[ledger.ActionRefreshed],
		"kept_real", res.Counts[ledger.ActionKeptReal],
	)
	return res, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event not published", "type", ev.Type, "subject_id", ev.SubjectID, "err", err)
	}
}

func (e *Engine) countBackfill(outcome string) {
	if e.metrics != nil {
		e.metrics.Backfills.WithLabelValues(outcome).Inc()
	}
}
