// Package predictor turns feature vectors into resource estimates using a
// trained model artifact. There is no heuristic fallback: any
// missing artifact or model failure is reported as ErrPredictionUnavailable
// and the build must not be sized.
package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// DefaultConfidence is reported when the model does not supply one
const DefaultConfidence = 85.0

// MethodModel is the method label for model-backed estimates
const MethodModel = "ml_model"

// Output is the raw answer of a model
type Output struct {
	CPUPercent  float64
	MemoryGB    float64
	TimeMinutes float64
	Confidence  *float64
	Method      string
}

// Model evaluates a model artifact for one feature vector
type Model interface {
	Predict(ctx context.Context, artifactPath string, fv domain.FeatureVector) (Output, error)
}

// VersionSource reports the fingerprint of the serving artifact
type VersionSource interface {
	Version() string
}

// Predictor wraps a Model with the artifact and failure policy
type Predictor struct {
	artifactPath string
	model        Model
	versions     VersionSource
	logger       *slog.Logger
}

// Option configures a Predictor
type Option func(*Predictor)

// WithVersionSource stamps estimates with the serving artifact version
func WithVersionSource(v VersionSource) Option {
	return func(p *Predictor) { p.versions = v }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Predictor) { p.logger = logger.Component(l, "predictor") }
}

// New creates a predictor for the artifact at artifactPath
func New(artifactPath string, model Model, opts ...Option) *Predictor {
	p := &Predictor{
		artifactPath: artifactPath,
		model:        model,
		logger:       logger.Component(nil, "predictor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ArtifactPath returns the model location
func (p *Predictor) ArtifactPath() string {
	return p.artifactPath
}

// Predict estimates the resources fv will need
func (p *Predictor) Predict(ctx context.Context, fv domain.FeatureVector) (domain.Estimate, error) {
	if p.model == nil {
		return domain.Estimate{}, unavailable("no model configured", nil)
	}
	info, err := os.Stat(p.artifactPath)
	if err != nil {
		return domain.Estimate{}, unavailable("model artifact "+p.artifactPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return domain.Estimate{}, unavailable("model artifact "+p.artifactPath+" is not a usable file", nil)
	}

	out, err := p.model.Predict(ctx, p.artifactPath, fv)
	if err != nil {
		return domain.Estimate{}, unavailable("model call", err)
	}

	est, err := toEstimate(out)
	if err != nil {
		return domain.Estimate{}, unavailable("model output", err)
	}
	if p.versions != nil {
		est.ModelVersion = p.versions.Version()
	}

	p.logger.Debug("prediction",
		"memory_gb", est.MemoryGB,
		"cpu_percent", est.CPUPercent,
		"time_minutes", est.TimeMinutes,
		"confidence", est.Confidence,
		"method", est.Method)

	return est, nil
}

func toEstimate(out Output) (domain.Estimate, error) {
	for name, v := range map[string]float64{
		"cpu":         out.CPUPercent,
		"memoryGb":    out.MemoryGB,
		"timeMinutes": out.TimeMinutes,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Estimate{}, fmt.Errorf("%s is not finite", name)
		}
		if v < 0 {
			return domain.Estimate{}, fmt.Errorf("%s is negative (%v)", name, v)
		}
	}

	confidence := DefaultConfidence
	if out.Confidence != nil && !math.IsNaN(*out.Confidence) {
		confidence = clamp(*out.Confidence, 0, 100)
	}
	method := out.Method
	if method == "" {
		method = MethodModel
	}

	return domain.Estimate{
		CPUPercent:  clamp(out.CPUPercent, 0, 100),
		MemoryGB:    out.MemoryGB,
		TimeMinutes: out.TimeMinutes,
		Confidence:  confidence,
		Method:      method,
	}, nil
}

func unavailable(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", domain.ErrPredictionUnavailable, what)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPredictionUnavailable, what, err)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
