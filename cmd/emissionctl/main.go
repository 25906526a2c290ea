package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/carbonmeter/emissions/internal/app"
	"github.com/carbonmeter/emissions/internal/config"
	"github.com/carbonmeter/emissions/internal/metrics"
)

var (
	// Global flags
	configFile string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emissionctl",
		Short: "Operate emission ledgers: backfill, forecast, import and export",
		Long: `Command-line access to the emission forecasting engine.
Uses the same configuration (config.yaml plus environment overrides) as the server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default $CONFIG_PATH or config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(missingCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(journalCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

// openApp builds the engine from configuration. The caller must Close it.
func openApp(ctx context.Context) (*app.App, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	a, err := app.New(ctx, cfg, metrics.Default(), newLogger())
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}
