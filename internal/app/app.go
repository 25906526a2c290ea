// Package app assembles the engine and its backing services from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/cache"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/config"
	"github.com/carbonmeter/emissions/internal/engine"
	"github.com/carbonmeter/emissions/internal/events"
	"github.com/carbonmeter/emissions/internal/features"
	"github.com/carbonmeter/emissions/internal/forecast"
	"github.com/carbonmeter/emissions/internal/journal"
	"github.com/carbonmeter/emissions/internal/ledger"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/model"
	"github.com/carbonmeter/emissions/internal/subject"
)

// App owns everything Close must release.
type App struct {
	Engine   *engine.Engine
	Store    ledger.Store
	Registry *model.Registry
	Journal  *journal.Journal
	Events   events.Publisher
}

// New opens the ledger store, journal, event publisher and models named by
// cfg and builds the engine on top of them.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.Registry, err = LoadModels(cfg)
	if err != nil {
		return nil, err
	}

	a.Store, err = ledger.Open(ctx, cfg.LedgerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger store: %w", cfg.LedgerBackend, err)
	}

	a.Journal, err = journal.Open(cfg.JournalDir)
	if err != nil {
		return nil, err
	}

	a.Events = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		a.Events = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithJournal(a.Journal),
		engine.WithEvents(a.Events),
		engine.WithRegistry(a.Registry),
		engine.WithSubjects(subject.NewManager(subject.Limits{
			TokenRate:  float64(cfg.TokenRate),
			BurstRate:  cfg.TokenRate * 2,
			DailyQuota: int64(cfg.DailyQuota),
		})),
	}
	if cfg.CacheSize > 0 {
		c, err := cache.NewForecastCache(cfg.CacheSize, cfg.CacheTTL(), m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithCache(c))
	}

	params := cfg.EngineParams()
	policies, err := cfg.DomainPolicies()
	if err != nil {
		return nil, err
	}
	cascadeOpts := []cascade.Option{
		cascade.WithLogger(logger),
		cascade.WithMetrics(m),
		cascade.WithDeriver(api.DomainIndividual, features.NewBehavioralDeriver(params.BehavioralWindow)),
	}
	if cfg.Confidence != nil {
		cascadeOpts = append(cascadeOpts, cascade.WithConfidence(cfg.Confidence))
	}
	for _, p := range policies {
		cascadeOpts = append(cascadeOpts, cascade.WithPolicy(p))
	}
	c := cascade.New(a.Registry, cascadeOpts...)
	f := forecast.New(c, params, forecast.WithLogger(logger), forecast.WithMetrics(m))
	a.Engine = engine.New(a.Store, c, f, opts...)

	ok = true
	return a, nil
}

// Close releases every opened resource.
func (a *App) Close() error {
	var errs []error
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// LoadModels registers and activates the configured model per domain. A
// local artifact wins over the remote model server. Domains with neither run
// on the fallback tiers only.
func LoadModels(cfg *config.Config) (*model.Registry, error) {
	reg, err := model.NewRegistry(cfg.ModelRegistryDir)
	if err != nil {
		return nil, err
	}

	sources := []struct {
		domain api.Domain
		path   string
		schema *features.Schema
	}{
		{api.DomainIndividual, cfg.IndividualModelPath, features.BehavioralSchema},
		{api.DomainIndustrial, cfg.IndustrialModelPath, features.IndustrialSchema},
	}
	for _, s := range sources {
		var r *model.Registered
		switch {
		case s.path != "":
			r, err = reg.RegisterFile(s.domain, s.path)
		case cfg.ModelServerURL != "":
			r, err = reg.Register(s.domain, model.NewHTTPModel(model.HTTPModelConfig{
				Endpoint:     strings.TrimRight(cfg.ModelServerURL, "/") + "/predict/" + string(s.domain),
				FeatureNames: s.schema.Fields(),
				Version:      "remote-" + string(s.domain),
				RatePerSec:   float64(cfg.TokenRate),
			}), nil)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s model: %w", s.domain, err)
		}
		if err := reg.Activate(s.domain, r.Version); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
