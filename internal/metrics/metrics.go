package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the forecasting engine.
type Metrics struct {
	Predictions     *prometheus.CounterVec
	ModelFailures   *prometheus.CounterVec
	ForecastSteps   prometheus.Counter
	ForecastLatency *prometheus.HistogramVec
	Backfills       *prometheus.CounterVec
	ReconcileOps    *prometheus.CounterVec
	JournalErrors   prometheus.Counter
	RateLimited     *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}

// New creates and registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cme_predictions_total",
				Help: "Predictions produced, by domain and source tier",
			},
			[]string{"domain", "source"},
		),
		ModelFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cme_model_failures_total",
				Help: "Model-tier failures recovered by fallback",
			},
			[]string{"domain", "reason"},
		),
		ForecastSteps: f.NewCounter(prometheus.CounterOpts{
			Name: "cme_forecast_steps_total",
			Help: "Recursive forecast steps completed",
		}),
		ForecastLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cme_forecast_latency_seconds",
				Help:    "End-to-end forecast latency",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"domain"},
		),
		Backfills: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cme_backfills_total",
				Help: "Backfill attempts by outcome",
			},
			[]string{"outcome"},
		),
		ReconcileOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cme_reconcile_records_total",
				Help: "Records processed by the ledger reconciler, by action",
			},
			[]string{"action"},
		),
		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cme_journal_errors_total",
			Help: "Write-ahead journal append failures",
		}),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cme_rate_limited_total",
				Help: "Requests rejected by rate limiting, per subject",
			},
			[]string{"subject_id"},
		),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "cme_forecast_cache_hits_total",
			Help: "Forecasts served from the result cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "cme_forecast_cache_misses_total",
			Help: "Forecasts computed because the cache had no entry",
		}),
	}
}
