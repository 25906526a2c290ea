package model

import (
	"context"
	"fmt"
)

// LinearModel predicts intercept + Σ coefficient·feature.
type LinearModel struct {
	version      string
	names        []string
	intercept    float64
	coefficients []float64
}

func NewLinearModel(version string, names []string, intercept float64, coefficients []float64) (*LinearModel, error) {
	if len(names) != len(coefficients) {
		return nil, fmt.Errorf("linear model %s: %d features but %d coefficients", version, len(names), len(coefficients))
	}
	return &LinearModel{
		version:      version,
		names:        append([]string(nil), names...),
		intercept:    intercept,
		coefficients: append([]float64(nil), coefficients...),
	}, nil
}

func (m *LinearModel) Predict(ctx context.Context, features []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(features) != len(m.coefficients) {
		return 0, fmt.Errorf("linear model %s: got %d features, want %d", m.version, len(features), len(m.coefficients))
	}
	y := m.intercept
	for i, c := range m.coefficients {
		y += c * features[i]
	}
	return y, nil
}

func (m *LinearModel) Features() []string { return m.names }
func (m *LinearModel) Version() string    { return m.version }

// Stump is a depth-one regression tree.
type Stump struct {
	Feature    int     `json:"feature"`
	Threshold  float64 `json:"threshold"`
	LeftValue  float64 `json:"left"`
	RightValue float64 `json:"right"`
}

// StumpEnsemble is a boosted sum of stumps, the shape exported from the
// offline gradient-boosting trainer.
type StumpEnsemble struct {
	version      string
	names        []string
	baseScore    float64
	learningRate float64
	stumps       []Stump
}

func NewStumpEnsemble(version string, names []string, baseScore, learningRate float64, stumps []Stump) (*StumpEnsemble, error) {
	if learningRate <= 0 {
		learningRate = 1
	}
	for i, s := range stumps {
		if s.Feature < 0 || s.Feature >= len(names) {
			return nil, fmt.Errorf("stump ensemble %s: stump %d references feature %d of %d", version, i, s.Feature, len(names))
		}
	}
	return &StumpEnsemble{
		version:      version,
		names:        append([]string(nil), names...),
		baseScore:    baseScore,
		learningRate: learningRate,
		stumps:       append([]Stump(nil), stumps...),
	}, nil
}

func (m *StumpEnsemble) Predict(ctx context.Context, features []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(features) != len(m.names) {
		return 0, fmt.Errorf("stump ensemble %s: got %d features, want %d", m.version, len(features), len(m.names))
	}
	y := m.baseScore
	for _, s := range m.stumps {
		if features[s.Feature] < s.Threshold {
			y += m.learningRate * s.LeftValue
		} else {
			y += m.learningRate * s.RightValue
		}
	}
	return y, nil
}

func (m *StumpEnsemble) Features() []string { return m.names }
func (m *StumpEnsemble) Version() string    { return m.version }
