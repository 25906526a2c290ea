package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/confidence"
	"github.com/carbonmeter/emissions/internal/emission"
	"github.com/carbonmeter/emissions/internal/features"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/model"
	"github.com/carbonmeter/emissions/pkg/otel"
)

// ErrSchemaMismatch is fatal: the derived vector does not match the model.
var ErrSchemaMismatch = features.ErrSchemaMismatch

// ModelSource resolves the current model for a domain.
type ModelSource interface {
	Model(domain api.Domain) (model.Model, error)
}

// StaticModels is a fixed domain → model table.
type StaticModels map[api.Domain]model.Model

func (s StaticModels) Model(domain api.Domain) (model.Model, error) {
	m, ok := s[domain]
	if !ok || m == nil {
		return nil, fmt.Errorf("%w for %s", model.ErrNoActiveModel, domain)
	}
	return m, nil
}

// Input is one prediction request against the cascade.
type Input struct {
	Domain     api.Domain
	Industry   string
	Window     []api.DailyRecord // chronological
	TargetDate api.Date
	Horizon    int // days covered by the prediction; 0 means 1
	Overrides  map[string]float64

	// Simulation admits synthesized records into the window. Recursive
	// forecasting seeds each step from the previous synthetic state.
	Simulation bool
}

// Prediction is the cascade outcome for one Input.
type Prediction struct {
	Value           float64
	Source          api.SourceTag
	Confidence      float64
	ConfidenceLabel string
	Samples         int
	ModelVersion    string
	Features        *features.Vector

	// Recovered is set when the model tier ran but its result was discarded.
	Recovered bool
	Cause     string
}

// Cascade runs model → statistical → default, in that order.
type Cascade struct {
	models     ModelSource
	derivers   map[api.Domain]features.Deriver
	policies   map[api.Domain]DomainPolicy
	confidence *confidence.Policy
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Cascade.
type Option func(*Cascade)

func WithLogger(l *slog.Logger) Option { return func(c *Cascade) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Cascade) { c.metrics = m } }

func WithConfidence(p *confidence.Policy) Option { return func(c *Cascade) { c.confidence = p } }

func WithPolicy(p DomainPolicy) Option { return func(c *Cascade) { c.policies[p.Domain] = p } }

func WithDeriver(domain api.Domain, d features.Deriver) Option {
	return func(c *Cascade) { c.derivers[domain] = d }
}

// New builds a cascade over models. A nil source disables the model tier.
func New(models ModelSource, opts ...Option) *Cascade {
	c := &Cascade{
		models: models,
		derivers: map[api.Domain]features.Deriver{
			api.DomainIndividual: features.NewBehavioralDeriver(api.DefaultEngineParams().BehavioralWindow),
			api.DomainIndustrial: features.NewIndustrialDeriver(),
		},
		policies:   DefaultPolicies(),
		confidence: confidence.DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cascade")
	return c
}

// Confidence exposes the policy used to score predictions.
func (c *Cascade) Confidence() *confidence.Policy { return c.confidence }

// Policy returns the rules for a domain.
func (c *Cascade) Policy(domain api.Domain) DomainPolicy {
	if p, ok := c.policies[domain]; ok {
		return p
	}
	return DomainPolicy{Domain: domain, MinModelSamples: 1}
}

// Deriver returns the feature deriver for a domain.
func (c *Cascade) Deriver(domain api.Domain) features.Deriver {
	return c.derivers[domain]
}

// Predict returns a value for in.Horizon days. It errors only on schema
// mismatch, invalid overrides or cancellation; every other failure degrades
// to a lower tier.
func (c *Cascade) Predict(ctx context.Context, in Input) (*Prediction, error) {
	ctx, span := otel.StartSpan(ctx, "cascade", "cascade.Predict")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Horizon <= 0 {
		in.Horizon = 1
	}
	policy := c.Policy(in.Domain)
	valid := ValidRecords(in.Domain, in.Window, in.Simulation)
	samples := len(valid)

	var recovered *Prediction
	if samples >= policy.MinModelSamples && c.models != nil {
		pred, err := c.modelTier(ctx, in, policy, valid)
		switch {
		case err != nil:
			otel.RecordError(span, err, "model tier")
			return nil, err
		case pred.Recovered:
			recovered = pred
		default:
			c.finish(in.Domain, pred)
			span.SetAttributes(otel.PredictionAttributes(string(pred.Source), pred.ModelVersion, pred.Confidence, samples)...)
			return pred, nil
		}
	}

	pred := c.fallback(in, policy, valid)
	if recovered != nil {
		pred.Recovered = true
		pred.Cause = recovered.Cause
		pred.ModelVersion = recovered.ModelVersion
		pred.Features = recovered.Features
	}
	c.finish(in.Domain, pred)
	span.SetAttributes(otel.PredictionAttributes(string(pred.Source), pred.ModelVersion, pred.Confidence, samples)...)
	return pred, nil
}

// modelTier returns a Prediction with Recovered set when the model ran but
// its output cannot be used. Fatal conditions come back as errors.
func (c *Cascade) modelTier(ctx context.Context, in Input, policy DomainPolicy, valid []api.DailyRecord) (*Prediction, error) {
	deriver := c.derivers[in.Domain]
	if deriver == nil {
		return nil, fmt.Errorf("no feature deriver for domain %s", in.Domain)
	}

	m, err := c.models.Model(in.Domain)
	if err != nil {
		c.logger.Debug("model tier unavailable", "domain", in.Domain, "cause", err)
		return &Prediction{Recovered: true, Cause: err.Error()}, nil
	}

	vec, err := deriver.Derive(valid, in.Overrides)
	if err != nil {
		return nil, fmt.Errorf("derive %s features: %w", in.Domain, err)
	}
	if err := vec.Schema.Check(m.Features()); err != nil {
		return nil, fmt.Errorf("model %s: %w", m.Version(), err)
	}

	raw, err := m.Predict(ctx, vec.Values)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return c.degrade(in, m, vec, "error", err.Error()), nil
	}

	value := scaleOutput(policy.Output, raw, in.TargetDate, in.Horizon)
	if !api.IsFinite(value) {
		return c.degrade(in, m, vec, "non_finite", fmt.Sprintf("model returned %v", raw)), nil
	}
	if value < 0 {
		return c.degrade(in, m, vec, "negative", fmt.Sprintf("model returned %v", raw)), nil
	}

	conf := c.confidence.ForSource(api.SourceModel, len(valid), policy.HighVariance)
	return &Prediction{
		Value:        value,
		Source:       api.SourceModel,
		Confidence:   conf,
		Samples:      len(valid),
		ModelVersion: m.Version(),
		Features:     vec,
	}, nil
}

func (c *Cascade) degrade(in Input, m model.Model, vec *features.Vector, reason, cause string) *Prediction {
	c.logger.Warn("model tier failed, falling back",
		"domain", in.Domain,
		"model_version", m.Version(),
		"reason", reason,
		"cause", cause,
	)
	if c.metrics != nil {
		c.metrics.ModelFailures.WithLabelValues(string(in.Domain), reason).Inc()
	}
	return &Prediction{Recovered: true, Cause: cause, ModelVersion: m.Version(), Features: vec}
}

func (c *Cascade) fallback(in Input, policy DomainPolicy, valid []api.DailyRecord) *Prediction {
	if len(valid) > 0 {
		if daily, ok := statisticalDaily(in.Domain, in.Industry, valid); ok {
			if daily < 0 {
				daily = 0
			}
			return &Prediction{
				Value:      daily * float64(in.Horizon),
				Source:     api.SourceStatistical,
				Confidence: c.confidence.ForSource(api.SourceStatistical, len(valid), policy.HighVariance),
				Samples:    len(valid),
			}
		}
	}
	return &Prediction{
		Value:      DefaultForHorizon(in.Domain, in.Industry, in.Horizon),
		Source:     api.SourceDefault,
		Confidence: c.confidence.ForSource(api.SourceDefault, len(valid), policy.HighVariance),
		Samples:    len(valid),
	}
}

func (c *Cascade) finish(domain api.Domain, pred *Prediction) {
	pred.ConfidenceLabel = c.confidence.Label(pred.Confidence)
	if c.metrics != nil {
		c.metrics.Predictions.WithLabelValues(string(domain), string(pred.Source)).Inc()
	}
}

func scaleOutput(scale OutputScale, raw float64, target api.Date, horizon int) float64 {
	if scale == PerMonth {
		days := 30
		if !target.IsZero() {
			days = target.DaysInMonth()
		}
		return raw / float64(days) * float64(horizon)
	}
	return raw * float64(horizon)
}

// ValidRecords keeps the records that count as samples, in order.
func ValidRecords(domain api.Domain, window []api.DailyRecord, simulation bool) []api.DailyRecord {
	out := make([]api.DailyRecord, 0, len(window))
	for _, rec := range window {
		if IsSample(domain, rec, simulation) {
			out = append(out, rec)
		}
	}
	return out
}

// IsSample reports whether rec counts as a sample: a finite total, or for
// industrial records any finite operational field. Synthesized records count
// only when simulation is set.
func IsSample(domain api.Domain, rec api.DailyRecord, simulation bool) bool {
	if rec.IsSynthesized && !simulation {
		return false
	}
	if api.IsFinite(rec.TotalEmission) {
		return true
	}
	return domain == api.DomainIndustrial && hasOperationalValue(rec)
}

func hasOperationalValue(rec api.DailyRecord) bool {
	for _, field := range emission.IndustrialFields {
		if v, ok := rec.SectorValues[field]; ok && api.IsFinite(v) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must abort the run instead of degrading.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
