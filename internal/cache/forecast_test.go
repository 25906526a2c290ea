package cache

import (
	"math"
	"testing"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func result(total float64) *api.ForecastResult {
	return &api.ForecastResult{
		Domain: api.DomainIndustrial,
		Records: []api.DailyRecord{{
			Date:          api.NewDate(2024, time.January, 1),
			TotalEmission: total,
			SectorValues:  map[string]float64{"electricity_kwh": 10},
			IsSynthesized: true,
		}},
	}
}

func TestForecastCache_BasicOperations(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := NewForecastCache(2, 0, m)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Add("a", result(1))
	if got, ok := c.Get("a"); !ok || got.Records[0].TotalEmission != 1 {
		t.Errorf("Get(a) = (%v, %v), want total 1", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should return false")
	}

	c.Add("b", result(2))
	c.Add("c", result(3)) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	if got := testutil.ToFloat64(m.CacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
}

func TestForecastCache_Expiration(t *testing.T) {
	c, _ := NewForecastCache(10, 50*time.Millisecond, nil)
	c.Add("a", result(1))
	if _, ok := c.Get("a"); !ok {
		t.Error("a should be present before expiration")
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("a should have expired")
	}
}

func TestForecastCache_ReturnsCopies(t *testing.T) {
	c, _ := NewForecastCache(10, 0, nil)
	in := result(1)
	c.Add("a", in)
	in.Records[0].SectorValues["electricity_kwh"] = 999

	got, _ := c.Get("a")
	got.Records[0].TotalEmission = 500

	again, _ := c.Get("a")
	if again.Records[0].TotalEmission != 1 || again.Records[0].SectorValues["electricity_kwh"] != 10 {
		t.Errorf("cached result was mutated: %+v", again.Records[0])
	}
}

func TestFingerprint(t *testing.T) {
	params := api.DefaultEngineParams()
	req := &api.ForecastRequest{SubjectID: "org-1", Domain: api.DomainIndustrial, Horizon: 30}

	a, err := Fingerprint(req, params)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, _ := Fingerprint(req, params)
	if a != b {
		t.Error("Fingerprint is not deterministic")
	}

	req.Horizon = 180
	if c, _ := Fingerprint(req, params); c == a {
		t.Error("different horizons share a fingerprint")
	}

	req.HistoricalWindow = []api.DailyRecord{{TotalEmission: math.NaN()}}
	if _, err := Fingerprint(req, params); err == nil {
		t.Error("Fingerprint accepted a NaN window")
	}
}

func TestNewForecastCache_InvalidSize(t *testing.T) {
	if _, err := NewForecastCache(0, time.Minute, nil); err == nil {
		t.Error("NewForecastCache(0) succeeded, want error")
	}
}
