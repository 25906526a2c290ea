package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPModel calls a remote inference server. The request body is
// {"features": {name: value}} and the response {"prediction": x, "version": v}.
type HTTPModel struct {
	endpoint string
	names    []string
	version  string
	client   *http.Client
	limiter  *rate.Limiter
}

// HTTPModelConfig configures a remote model.
type HTTPModelConfig struct {
	Endpoint     string
	FeatureNames []string
	Version      string
	Timeout      time.Duration
	RatePerSec   float64 // 0 disables limiting
}

func NewHTTPModel(cfg HTTPModelConfig) *HTTPModel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1)
	}
	version := cfg.Version
	if version == "" {
		version = "remote"
	}
	return &HTTPModel{
		endpoint: cfg.Endpoint,
		names:    append([]string(nil), cfg.FeatureNames...),
		version:  version,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
	}
}

type inferenceRequest struct {
	Features map[string]float64 `json:"features"`
}

type inferenceResponse struct {
	Prediction *float64 `json:"prediction"`
	Version    string   `json:"version,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (m *HTTPModel) Predict(ctx context.Context, features []float64) (float64, error) {
	if len(features) != len(m.names) {
		return 0, fmt.Errorf("remote model: got %d features, want %d", len(features), len(m.names))
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("remote model rate limit: %w", err)
	}

	payload := inferenceRequest{Features: make(map[string]float64, len(features))}
	for i, name := range m.names {
		payload.Features[name] = features[i]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out inferenceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("failed to parse inference response: %w", err)
	}
	if out.Error != "" {
		return 0, fmt.Errorf("inference server error: %s", out.Error)
	}
	if out.Prediction == nil {
		return 0, fmt.Errorf("inference response missing prediction")
	}
	return *out.Prediction, nil
}

func (m *HTTPModel) Features() []string { return m.names }
func (m *HTTPModel) Version() string    { return m.version }
