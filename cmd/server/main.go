package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carbonmeter/emissions/internal/app"
	"github.com/carbonmeter/emissions/internal/auth"
	"github.com/carbonmeter/emissions/internal/config"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/scheduler"
	"github.com/carbonmeter/emissions/pkg/otel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if cfg.OTelEndpoint != "" {
		oc := otel.DefaultConfig("emission-engine")
		oc.CollectorEndpoint = cfg.OTelEndpoint
		tp, err := otel.InitTracer(ctx, oc)
		if err != nil {
			logger.Warn("tracing disabled", "err", err)
		} else {
			defer otel.Shutdown(context.Background(), tp)
		}
	}

	m := metrics.Default()
	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	authMW, err := auth.Middleware(cfg.AuthMode, []byte(cfg.JWTSecret))
	if err != nil {
		logger.Error("invalid auth configuration", "err", err)
		os.Exit(1)
	}

	srv := NewServer(a.Engine, m, logger, cfg.TokenRate)
	srv.metricsAuth.user = os.Getenv("METRICS_USER")
	srv.metricsAuth.password = os.Getenv("METRICS_PASS")
	srv.metricsAuth.enabled = srv.metricsAuth.user != ""

	sched := scheduler.New(logger)
	if err := sched.ScheduleBackfill(a.Engine, cfg.BackfillSchedule); err != nil {
		logger.Error("invalid backfill schedule", "err", err)
		os.Exit(1)
	}
	if err := sched.ScheduleRotation(a.Journal, cfg.RotationSchedule()); err != nil {
		logger.Error("invalid journal rotation schedule", "err", err)
		os.Exit(1)
	}
	sched.Start()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(authMW),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", cfg.Port, "ledger_backend", cfg.LedgerBackend, "auth_mode", cfg.AuthMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-sched.Stop().Done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}
	if err := a.Close(); err != nil {
		logger.Error("error closing resources", "err", err)
	}
	logger.Info("server stopped")
}
