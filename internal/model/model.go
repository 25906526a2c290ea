package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNoActiveModel   = errors.New("no active model")
	ErrModelNotFound   = errors.New("model not found")
	ErrIntegrity       = errors.New("model artifact integrity check failed")
	ErrUnknownArtifact = errors.New("unknown model artifact type")
	ErrInvalidArtifact = errors.New("invalid model artifact")
	ErrNoPrevious      = errors.New("no previous model")
	ErrModelExists     = errors.New("model version already registered")
)

// Model is an opaque trained regressor. Predict receives values in the order
// returned by Features and returns a single scalar.
type Model interface {
	Predict(ctx context.Context, features []float64) (float64, error)
	Features() []string
	Version() string
}

// Func adapts a plain function to Model.
type Func struct {
	Names []string
	Ver   string
	Fn    func(ctx context.Context, features []float64) (float64, error)
}

func (f *Func) Predict(ctx context.Context, features []float64) (float64, error) {
	return f.Fn(ctx, features)
}

func (f *Func) Features() []string { return f.Names }

func (f *Func) Version() string {
	if f.Ver == "" {
		return "func"
	}
	return f.Ver
}

// Constant returns a model that always predicts v.
func Constant(names []string, v float64) *Func {
	return &Func{
		Names: names,
		Ver:   "constant",
		Fn: func(ctx context.Context, _ []float64) (float64, error) {
			return v, ctx.Err()
		},
	}
}

// Artifact is the on-disk JSON form of a trained model exported offline.
type Artifact struct {
	Type         string    `json:"type"` // "linear" or "stumps"
	Version      string    `json:"version"`
	FeatureNames []string  `json:"feature_names"`
	Intercept    float64   `json:"intercept,omitempty"`
	Coefficients []float64 `json:"coefficients,omitempty"`
	BaseScore    float64   `json:"base_score,omitempty"`
	LearningRate float64   `json:"learning_rate,omitempty"`
	Stumps       []Stump   `json:"stumps,omitempty"`
}

// Decode builds a Model from artifact bytes.
func Decode(data []byte) (Model, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	var (
		m   Model
		err error
	)
	switch a.Type {
	case "linear":
		m, err = NewLinearModel(a.Version, a.FeatureNames, a.Intercept, a.Coefficients)
	case "stumps":
		m, err = NewStumpEnsemble(a.Version, a.FeatureNames, a.BaseScore, a.LearningRate, a.Stumps)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownArtifact, a.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	return m, nil
}

// LoadFile reads and decodes an artifact file.
func LoadFile(path string) (Model, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("model %s: %w", path, err)
	}
	return m, data, nil
}
