// Package cache memoizes stateless forecast responses keyed by a request
// fingerprint.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ForecastCache is a size-bounded LRU with per-entry TTL. Values are copied
// on the way in and out so callers cannot mutate cached results.
type ForecastCache struct {
	lru     *expirable.LRU[string, *api.ForecastResult]
	metrics *metrics.Metrics
}

// NewForecastCache creates a cache of at most size entries living ttl each
// (0 disables expiry). m may be nil.
func NewForecastCache(size int, ttl time.Duration, m *metrics.Metrics) (*ForecastCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	return &ForecastCache{
		lru:     expirable.NewLRU[string, *api.ForecastResult](size, nil, ttl),
		metrics: m,
	}, nil
}

// Fingerprint hashes everything that influences a forecast. Requests whose
// window cannot be encoded (NaN values) are not cacheable.
func Fingerprint(req *api.ForecastRequest, params api.EngineParams) (string, error) {
	data, err := json.Marshal(struct {
		Request *api.ForecastRequest `json:"request"`
		Params  api.EngineParams     `json:"params"`
	}{req, params})
	if err != nil {
		return "", fmt.Errorf("request not cacheable: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns a copy of the cached result for key.
func (c *ForecastCache) Get(key string) (*api.ForecastResult, bool) {
	res, ok := c.lru.Get(key)
	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.Inc()
		} else {
			c.metrics.CacheMisses.Inc()
		}
	}
	if !ok {
		return nil, false
	}
	return clone(res), true
}

// Add stores a copy of res. It reports whether an entry was evicted.
func (c *ForecastCache) Add(key string, res *api.ForecastResult) bool {
	return c.lru.Add(key, clone(res))
}

func (c *ForecastCache) Len() int { return c.lru.Len() }

func (c *ForecastCache) Purge() { c.lru.Purge() }

func clone(res *api.ForecastResult) *api.ForecastResult {
	out := *res
	out.Records = make([]api.DailyRecord, len(res.Records))
	for i, rec := range res.Records {
		out.Records[i] = rec.Clone()
	}
	if res.Summary != nil {
		s := *res.Summary
		out.Summary = &s
	}
	return &out
}
