// Package ledger merges synthesized records into a subject's daily emission
// ledger and persists ledger snapshots.
package ledger

import (
	"errors"
	"math"
	"sort"

	"github.com/carbonmeter/emissions/internal/api"
)

var (
	ErrNoRealRecords   = errors.New("ledger has no real records")
	ErrSubjectNotFound = errors.New("subject not found")
	ErrInvalidSubject  = errors.New("invalid subject id")
)

// Action is what Reconcile did with one incoming record.
type Action string

const (
	ActionAppended  Action = "appended"
	ActionRefreshed Action = "refreshed"
	ActionKeptReal  Action = "kept_real"
	ActionUnchanged Action = "unchanged"
)

// Result is the reconciled ledger plus per-action counts.
type Result struct {
	Records  []api.DailyRecord
	Counts   map[Action]int
	Affected []api.Date // dates added or replaced, in input order
}

// Changed reports whether the ledger differs from its input.
func (r *Result) Changed() bool { return len(r.Affected) > 0 }

// Reconcile returns the date-keyed union of ledger and incoming, sorted by
// date. A real record is never replaced. A synthesized record is replaced by
// any different incoming record for the same date. Inputs are not modified
// and applying the same incoming set twice yields the same ledger.
func Reconcile(ledger, incoming []api.DailyRecord) *Result {
	res := &Result{Counts: make(map[Action]int)}

	out := make([]api.DailyRecord, 0, len(ledger)+len(incoming))
	index := make(map[string]int, len(ledger)+len(incoming))
	for _, rec := range ledger {
		key := rec.Date.String()
		if i, ok := index[key]; ok {
			// a duplicated date keeps the first real record
			if out[i].IsSynthesized && !rec.IsSynthesized {
				out[i] = rec.Clone()
			}
			continue
		}
		index[key] = len(out)
		out = append(out, rec.Clone())
	}

	for _, rec := range incoming {
		key := rec.Date.String()
		i, ok := index[key]
		switch {
		case !ok:
			index[key] = len(out)
			out = append(out, rec.Clone())
			res.Counts[ActionAppended]++
			res.Affected = append(res.Affected, rec.Date)
		case !out[i].IsSynthesized:
			res.Counts[ActionKeptReal]++
		case Equal(out[i], rec):
			res.Counts[ActionUnchanged]++
		default:
			out[i] = rec.Clone()
			res.Counts[ActionRefreshed]++
			res.Affected = append(res.Affected, rec.Date)
		}
	}

	Sort(out)
	res.Records = out
	return res
}

// Sort orders records by date, keeping the relative order of equal dates.
func Sort(records []api.DailyRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})
}

// Equal compares two records field by field. NaN equals NaN.
func Equal(a, b api.DailyRecord) bool {
	if !a.Date.Equal(b.Date) ||
		a.IsSynthesized != b.IsSynthesized ||
		a.TransportMode != b.TransportMode ||
		a.DayAhead != b.DayAhead ||
		a.ConfidenceLabel != b.ConfidenceLabel ||
		a.Source != b.Source ||
		!sameFloat(a.TotalEmission, b.TotalEmission) ||
		!sameFloat(a.Confidence, b.Confidence) {
		return false
	}
	if (a.PublicTransportRatio == nil) != (b.PublicTransportRatio == nil) {
		return false
	}
	if a.PublicTransportRatio != nil && !sameFloat(*a.PublicTransportRatio, *b.PublicTransportRatio) {
		return false
	}
	if len(a.SectorValues) != len(b.SectorValues) {
		return false
	}
	for k, v := range a.SectorValues {
		w, ok := b.SectorValues[k]
		if !ok || !sameFloat(v, w) {
			return false
		}
	}
	return true
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// RealSubset returns the observed records, sorted by date.
func RealSubset(records []api.DailyRecord) []api.DailyRecord {
	out := make([]api.DailyRecord, 0, len(records))
	for _, rec := range records {
		if !rec.IsSynthesized {
			out = append(out, rec)
		}
	}
	Sort(out)
	return out
}

// Find returns the record stored for date.
func Find(records []api.DailyRecord, date api.Date) (api.DailyRecord, bool) {
	for _, rec := range records {
		if rec.Date.Equal(date) {
			return rec, true
		}
	}
	return api.DailyRecord{}, false
}

// BackfillPlan describes the next single-day backfill for a ledger.
type BackfillPlan struct {
	LastReal api.Date
	Target   api.Date
	Window   []api.DailyRecord // trailing real records, chronological

	// AlreadyPredicted is set when Target already holds a synthesized
	// record. The backfill must then be a no-op.
	AlreadyPredicted bool
	Existing         *api.DailyRecord
}

// PlanBackfill locates last_real_date + 1 and the trailing window of up to
// window real records preceding it. When sample is non-nil, records it
// rejects are dropped before the window is cut; they still date the target.
func PlanBackfill(records []api.DailyRecord, window int, sample func(api.DailyRecord) bool) (*BackfillPlan, error) {
	observed := RealSubset(records)
	if len(observed) == 0 {
		return nil, ErrNoRealRecords
	}

	last := observed[len(observed)-1].Date
	plan := &BackfillPlan{
		LastReal: last,
		Target:   last.AddDays(1),
	}
	if sample != nil {
		kept := observed[:0]
		for _, rec := range observed {
			if sample(rec) {
				kept = append(kept, rec)
			}
		}
		observed = kept
	}
	if window > 0 && len(observed) > window {
		observed = observed[len(observed)-window:]
	}
	plan.Window = observed

	if rec, ok := Find(records, plan.Target); ok && rec.IsSynthesized {
		plan.AlreadyPredicted = true
		plan.Existing = &rec
	}
	return plan, nil
}

// MissingDates lists dates in the lookback days ending at end that hold no
// record, newest first, at most limit entries (0 means no limit).
func MissingDates(records []api.DailyRecord, end api.Date, lookback, limit int) []api.Date {
	have := make(map[string]bool, len(records))
	for _, rec := range records {
		have[rec.Date.String()] = true
	}

	var out []api.Date
	for i := 0; i < lookback; i++ {
		d := end.AddDays(-i)
		if have[d.String()] {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
