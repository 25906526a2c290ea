package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format for ledger dates.
const DateLayout = "2006-01-02"

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrInvalidDate   = errors.New("invalid date")
	ErrUnknownDomain = errors.New("unknown domain")
)

// Domain selects the feature schema, model and policy used for a subject.
type Domain string

const (
	DomainIndividual Domain = "individual"
	DomainIndustrial Domain = "industrial"
)

// ParseDomain accepts the two domain names case-insensitively.
func ParseDomain(s string) (Domain, error) {
	switch Domain(strings.ToLower(strings.TrimSpace(s))) {
	case DomainIndividual, "":
		return DomainIndividual, nil
	case DomainIndustrial, "organization", "org":
		return DomainIndustrial, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
}

// SourceTag records which prediction tier produced a value.
type SourceTag string

const (
	SourceModel       SourceTag = "model"
	SourceStatistical SourceTag = "statistical-fallback"
	SourceDefault     SourceTag = "default-fallback"
)

// IsFallback reports whether the tag marks a non-model tier.
func (s SourceTag) IsFallback() bool {
	return s == SourceStatistical || s == SourceDefault
}

// Date is a calendar date with no time-of-day or zone.
type Date struct {
	time.Time
}

// NewDate truncates t to its UTC calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses YYYY-MM-DD. Full RFC3339 timestamps are accepted and truncated.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return Date{d.Time.AddDate(0, 0, n)}
}

// DaysInMonth returns the number of days in d's month.
func (d Date) DaysInMonth() int {
	return time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDate, data)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Number is a float that tolerates dirty input. Numeric strings are parsed;
// anything else decodes to NaN so it is filtered downstream instead of being
// coerced to zero.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = Number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*n = Number(f)
			return nil
		}
	}
	*n = Number(math.NaN())
	return nil
}

// Valid reports whether n is a finite number.
func (n Number) Valid() bool { return IsFinite(float64(n)) }

// IsFinite reports whether x is neither NaN nor infinite.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// FilterFinite returns the finite values of xs, preserving order.
func FilterFinite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if IsFinite(x) {
			out = append(out, x)
		}
	}
	return out
}

// DailyRecord is one day of a subject's emission ledger.
type DailyRecord struct {
	Date                 Date               `json:"date"`
	SectorValues         map[string]float64 `json:"sector_values"`
	TotalEmission        float64            `json:"total_emission"`
	IsSynthesized        bool               `json:"is_synthesized"`
	TransportMode        string             `json:"transport_mode,omitempty"`
	PublicTransportRatio *float64           `json:"public_transport_ratio,omitempty"`

	// Populated on synthesized records only.
	DayAhead        int       `json:"day_ahead,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	ConfidenceLabel string    `json:"confidence_label,omitempty"`
	Source          SourceTag `json:"source,omitempty"`
}

// Clone returns a deep copy of r.
func (r DailyRecord) Clone() DailyRecord {
	c := r
	if r.SectorValues != nil {
		c.SectorValues = make(map[string]float64, len(r.SectorValues))
		for k, v := range r.SectorValues {
			c.SectorValues[k] = v
		}
	}
	if r.PublicTransportRatio != nil {
		v := *r.PublicTransportRatio
		c.PublicTransportRatio = &v
	}
	return c
}

// Sector returns the named sector value, or 0 when absent or non-finite.
func (r DailyRecord) Sector(name string) float64 {
	v, ok := r.SectorValues[name]
	if !ok || !IsFinite(v) {
		return 0
	}
	return v
}

// ForecastRequest asks for a single-day backfill (Horizon 1) or an N-day forecast.
type ForecastRequest struct {
	SubjectID        string             `json:"subject_id"`
	Domain           Domain             `json:"domain"`
	Industry         string             `json:"industry,omitempty"`
	HistoricalWindow []DailyRecord      `json:"historical_window"`
	Horizon          int                `json:"horizon"`
	WeeklyGrowthRate *float64           `json:"weekly_growth_rate,omitempty"`
	FeatureOverrides map[string]float64 `json:"feature_overrides,omitempty"`
}

// Validate checks structural requirements. The window may be empty.
func (r *ForecastRequest) Validate() error {
	if r.SubjectID == "" {
		return fmt.Errorf("%w: subject_id", ErrMissingFields)
	}
	if r.Horizon < 1 {
		return fmt.Errorf("%w: horizon must be >= 1", ErrMissingFields)
	}
	if _, err := ParseDomain(string(r.Domain)); err != nil {
		return err
	}
	return nil
}

// GrowthRate returns the requested weekly growth rate or def.
func (r *ForecastRequest) GrowthRate(def float64) float64 {
	if r.WeeklyGrowthRate == nil || !IsFinite(*r.WeeklyGrowthRate) {
		return def
	}
	return *r.WeeklyGrowthRate
}

// ForecastResult is the ordered output of a forecast run.
type ForecastResult struct {
	RunID     string        `json:"run_id"`
	SubjectID string        `json:"subject_id"`
	Domain    Domain        `json:"domain"`
	Records   []DailyRecord `json:"records"`
	Partial   bool          `json:"partial,omitempty"`
	Samples   int           `json:"samples_used"` // observed days that seeded the run
	Summary   *Summary      `json:"summary,omitempty"`
}

// Total sums the records' total emission.
func (r *ForecastResult) Total() float64 {
	total := 0.0
	for _, rec := range r.Records {
		total += rec.TotalEmission
	}
	return total
}

// Summary describes a multi-day forecast period.
type Summary struct {
	PeriodDays      int                `json:"period_days"`
	TotalEmission   float64            `json:"total_emission"`
	DailyAverage    float64            `json:"daily_average"`
	Trend           string             `json:"trend"`
	ScopeBreakdown  map[string]float64 `json:"scope_breakdown,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Confidence      float64            `json:"confidence"`
}

// EngineParams holds the tunables shared by the cascade and forecaster.
type EngineParams struct {
	MaxHorizon          int     `json:"max_horizon"`
	DefaultWeeklyGrowth float64 `json:"default_weekly_growth"`
	ProgressInterval    int     `json:"progress_interval"`
	BehavioralWindow    int     `json:"behavioral_window"`
}

// DefaultEngineParams returns production defaults.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		MaxHorizon:          180,
		DefaultWeeklyGrowth: 0.02,
		ProgressInterval:    30,
		BehavioralWindow:    7,
	}
}

// Round4 rounds x to 4 decimal places for reporting.
func Round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
