package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/emission"
)

// CSV column names of the daily log export.
const (
	colDate         = "date"
	colMode         = "transport_mode"
	colRatio        = "public_transport_ratio"
	colTotal        = "total_co2"
	colEstimated    = "estimated"
	sectorColSuffix = "_co2"
)

// CSVColumns returns the column layout for a domain.
func CSVColumns(domain api.Domain) []string {
	if domain == api.DomainIndustrial {
		cols := []string{colDate}
		cols = append(cols, emission.IndustrialFields...)
		return append(cols, colTotal, colEstimated)
	}
	cols := []string{colDate, colMode, colRatio}
	for _, s := range append(append([]string(nil), emission.IndividualSectors...), emission.SectorAvoided) {
		cols = append(cols, s+sectorColSuffix)
	}
	return append(cols, colTotal, colEstimated)
}

// SkippedRow is a CSV data row that ReadCSV left out.
type SkippedRow struct {
	Line   int
	Reason string
}

const (
	skipBadDate = "invalid date"
	skipNoData  = "no numeric values"
)

// ReadCSV parses a daily log. Columns are matched by header name. Cells that
// are not numbers are left out of sector_values; a row whose total is missing
// or not a number gets it recomputed from its sectors. Rows with an invalid
// date, or with neither a numeric total nor a numeric sector cell, are
// returned as skipped instead of failing the import.
func ReadCSV(r io.Reader, domain api.Domain, industry string) ([]api.DailyRecord, []SkippedRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colDate]; !ok {
		return nil, nil, fmt.Errorf("%w: csv column %q", api.ErrMissingFields, colDate)
	}

	cell := func(row []string, name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[i]), true
	}
	number := func(row []string, name string) (float64, bool) {
		s, ok := cell(row, name)
		if !ok || s == "" {
			return 0, false
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || !api.IsFinite(v) {
			return 0, false
		}
		return v, true
	}

	var (
		out     []api.DailyRecord
		skipped []SkippedRow
	)
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("csv line %d: %w", line, err)
		}

		ds, _ := cell(row, colDate)
		date, err := api.ParseDate(ds)
		if err != nil {
			skipped = append(skipped, SkippedRow{Line: line, Reason: skipBadDate})
			continue
		}
		rec := api.DailyRecord{Date: date, SectorValues: make(map[string]float64)}

		if domain == api.DomainIndustrial {
			for _, f := range emission.IndustrialFields {
				if v, ok := number(row, f); ok {
					rec.SectorValues[f] = v
				}
			}
		} else {
			for _, s := range append(append([]string(nil), emission.IndividualSectors...), emission.SectorAvoided) {
				if v, ok := number(row, s+sectorColSuffix); ok {
					rec.SectorValues[s] = v
				}
			}
			rec.TransportMode, _ = cell(row, colMode)
			if v, ok := number(row, colRatio); ok {
				rec.PublicTransportRatio = &v
			}
		}

		if s, ok := cell(row, colEstimated); ok {
			rec.IsSynthesized = parseBool(s)
		}
		if v, ok := number(row, colTotal); ok {
			rec.TotalEmission = v
		} else if len(rec.SectorValues) > 0 {
			rec.TotalEmission = emission.RecomputeTotal(domain, industry, rec)
		} else {
			skipped = append(skipped, SkippedRow{Line: line, Reason: skipNoData})
			continue
		}
		out = append(out, rec)
	}
	return out, skipped, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// WriteCSV writes records in the CSVColumns layout of domain.
func WriteCSV(w io.Writer, domain api.Domain, records []api.DailyRecord) error {
	cw := csv.NewWriter(w)
	cols := CSVColumns(domain)
	if err := cw.Write(cols); err != nil {
		return err
	}

	for _, rec := range records {
		row := make([]string, 0, len(cols))
		for _, c := range cols {
			row = append(row, csvValue(rec, c))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvValue(rec api.DailyRecord, col string) string {
	switch col {
	case colDate:
		return rec.Date.String()
	case colMode:
		return rec.TransportMode
	case colRatio:
		if rec.PublicTransportRatio == nil {
			return ""
		}
		return formatFloat(*rec.PublicTransportRatio)
	case colTotal:
		return formatFloat(rec.TotalEmission)
	case colEstimated:
		if rec.IsSynthesized {
			return "1"
		}
		return "0"
	}
	key := strings.TrimSuffix(col, sectorColSuffix)
	v, ok := rec.SectorValues[key]
	if !ok {
		return ""
	}
	return formatFloat(v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
