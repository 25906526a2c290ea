package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/features"
	"github.com/carbonmeter/emissions/internal/journal"
	"github.com/carbonmeter/emissions/internal/ledger"
	"github.com/carbonmeter/emissions/internal/model"
	"github.com/carbonmeter/emissions/internal/scheduler"
)

// backfillCmd synthesizes the day after the last real record
func backfillCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "backfill [subject]",
		Short: "Backfill the day after a subject's last real record",
		Args: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give exactly one subject, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				report, err := scheduler.Sweep(ctx, a.Engine, newLogger())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.String())
				return nil
			}

			res, err := a.Engine.Backfill(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if res.AlreadyPredicted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already predicted for %s\n", res.Record.Date, res.SubjectID)
				return nil
			}
			return printRecords(cmd.OutOrStdout(), []api.DailyRecord{res.Record})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Backfill every stored subject")
	return cmd
}

// forecastCmd projects a subject's ledger forward and stores the result
func forecastCmd() *cobra.Command {
	var (
		horizon int
		growth  float64
	)
	cmd := &cobra.Command{
		Use:   "forecast <subject>",
		Short: "Forecast a subject's emissions and merge them into its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var rate *float64
			if cmd.Flags().Changed("growth") {
				rate = &growth
			}
			res, err := a.Engine.Forecast(ctx, args[0], horizon, rate)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if err := printRecords(cmd.OutOrStdout(), res.Records); err != nil {
				return err
			}
			if s := res.Summary; s != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\ntotal %.2f kg over %d days, daily average %.2f, trend %s\n",
					s.TotalEmission, s.PeriodDays, s.DailyAverage, s.Trend)
				for _, r := range s.Recommendations {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", r)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&horizon, "horizon", 30, "Days to forecast")
	cmd.Flags().Float64Var(&growth, "growth", 0, "Weekly growth rate (default from config)")
	return cmd
}

// missingCmd lists days without any record
func missingCmd() *cobra.Command {
	var days, limit int
	cmd := &cobra.Command{
		Use:   "missing <subject>",
		Short: "List days without a record, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			dates, err := a.Engine.Missing(ctx, args[0], days, limit)
			if err != nil {
				return err
			}
			for _, d := range dates {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Lookback window in days")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum dates to list (0 = all)")
	return cmd
}

// importCmd merges a CSV or JSON daily log into a ledger
func importCmd() *cobra.Command {
	var domain, industry string
	cmd := &cobra.Command{
		Use:   "import <subject> <file>",
		Short: "Import a daily log (CSV or JSON records) into a subject's ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := api.ParseDomain(domain)
			if err != nil {
				return err
			}
			records, skipped, err := readRecords(args[1], d, industry)
			if err != nil {
				return err
			}
			logger := newLogger()
			for _, row := range skipped {
				logger.Warn("csv row skipped", "file", args[1], "line", row.Line, "reason", row.Reason)
			}

			ctx := cmd.Context()
			a, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Engine.Import(ctx, args[0], d, industry, records)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows (%d skipped) into %s: %d appended, %d refreshed, %d kept, ledger now %d records\n",
				len(records), len(skipped), res.SubjectID,
				res.Counts[ledger.ActionAppended], res.Counts[ledger.ActionRefreshed],
				res.Counts[ledger.ActionKeptReal], res.Records)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "individual", "Ledger domain (individual or industrial)")
	cmd.Flags().StringVar(&industry, "industry", "", "Industry for industrial ledgers")
	return cmd
}

// exportCmd writes a ledger snapshot as CSV or JSON
func exportCmd() *cobra.Command {
	var out, format string
	cmd := &cobra.Command{
		Use:   "export <subject>",
		Short: "Export a subject's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, _, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			l, err := a.Engine.Ledger(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			return writeLedger(w, l, format)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "csv", "Output format: csv or json")
	return cmd
}

// modelCmd groups model artifact maintenance
func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect model artifacts",
	}

	var domain, sha string
	verify := &cobra.Command{
		Use:   "verify <artifact>",
		Short: "Check an artifact's integrity and feature schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := api.ParseDomain(domain)
			if err != nil {
				return err
			}
			m, data, err := model.LoadFile(args[0])
			if err != nil {
				return err
			}
			if sha != "" {
				if err := model.VerifyHash(data, strings.ToLower(sha)); err != nil {
					return err
				}
			}
			if err := features.ForDomain(d, api.DefaultEngineParams().BehavioralWindow).Schema().Check(m.Features()); err != nil {
				return fmt.Errorf("model %s does not fit the %s schema: %w", m.Version(), d, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: version %s, %d features, schema ok\n",
				filepath.Base(args[0]), m.Version(), len(m.Features()))
			return nil
		},
	}
	verify.Flags().StringVar(&domain, "domain", "individual", "Domain the model serves")
	verify.Flags().StringVar(&sha, "sha256", "", "Expected SHA-256 of the artifact")

	cmd.AddCommand(verify)
	return cmd
}

// journalCmd prints journal entries
func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal <file>",
		Short: "Print the entries of a ledger journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := journal.Replay(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSUBJECT\tACTION\tRUN\tDATES")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.SubjectID, e.Action, e.RunID, strings.Join(e.Dates, ","))
			}
			return tw.Flush()
		},
	}
}

// readRecords loads a daily log. Files ending in .json hold a record array
// or a ledger snapshot; anything else is read as CSV, whose unusable rows
// come back as skipped.
func readRecords(path string, domain api.Domain, industry string) ([]api.DailyRecord, []ledger.SkippedRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return ledger.ReadCSV(f, domain, industry)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	var records []api.DailyRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil, nil
	}
	var l ledger.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, nil, fmt.Errorf("%s is neither a record array nor a ledger: %w", path, err)
	}
	return l.Records, nil, nil
}

func writeLedger(w io.Writer, l *ledger.Ledger, format string) error {
	switch format {
	case "json":
		return printJSON(w, l)
	case "csv":
		return ledger.WriteCSV(w, l.Domain, l.Records)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printRecords(w io.Writer, records []api.DailyRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTOTAL_KG\tSOURCE\tCONFIDENCE\tLABEL")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%.2f\t%s\n",
			rec.Date, rec.TotalEmission, rec.Source, rec.Confidence, rec.ConfidenceLabel)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
