package predictor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

type fakeModel struct {
	out   Output
	err   error
	calls int
	path  string
}

func (f *fakeModel) Predict(ctx context.Context, artifactPath string, fv domain.FeatureVector) (Output, error) {
	f.calls++
	f.path = artifactPath
	return f.out, f.err
}

type staticVersion string

func (s staticVersion) Version() string { return string(s) }

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.pkl")
	if err := os.WriteFile(path, []byte("opaque-model-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func hotfix() domain.FeatureVector {
	return domain.NewFeatureVector(3, 50, 10, 0, "hotfix/bug", domain.BuildDebug)
}

func TestPredict_DefaultsConfidenceAndMethod(t *testing.T) {
	model := &fakeModel{out: Output{CPUPercent: 42, MemoryGB: 1.0, TimeMinutes: 6}}
	path := writeArtifact(t)
	p := New(path, model, WithLogger(logger.Discard()), WithVersionSource(staticVersion("abc123")))

	est, err := p.Predict(context.Background(), hotfix())
	if err != nil {
		t.Fatal(err)
	}

	if est.MemoryGB != 1.0 {
		t.Errorf("MemoryGB = %v, want 1.0", est.MemoryGB)
	}
	if est.Confidence != DefaultConfidence {
		t.Errorf("Confidence = %v, want %v", est.Confidence, DefaultConfidence)
	}
	if est.Method != MethodModel {
		t.Errorf("Method = %q, want %q", est.Method, MethodModel)
	}
	if est.ModelVersion != "abc123" {
		t.Errorf("ModelVersion = %q, want abc123", est.ModelVersion)
	}
	if model.path != path {
		t.Errorf("model called with %q, want %q", model.path, path)
	}
}

func TestPredict_MissingArtifact(t *testing.T) {
	model := &fakeModel{out: Output{MemoryGB: 1}}
	p := New(filepath.Join(t.TempDir(), "missing.pkl"), model, WithLogger(logger.Discard()))

	est, err := p.Predict(context.Background(), hotfix())
	if !errors.Is(err, domain.ErrPredictionUnavailable) {
		t.Fatalf("err = %v, want ErrPredictionUnavailable", err)
	}
	if est != (domain.Estimate{}) {
		t.Errorf("estimate = %+v, want zero value", est)
	}
	if model.calls != 0 {
		t.Errorf("model called %d times, want 0", model.calls)
	}
}

func TestPredict_EmptyArtifactOrDirectory(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.pkl")
	os.WriteFile(empty, nil, 0644)

	for _, path := range []string{empty, dir} {
		p := New(path, &fakeModel{}, WithLogger(logger.Discard()))
		if _, err := p.Predict(context.Background(), hotfix()); !errors.Is(err, domain.ErrPredictionUnavailable) {
			t.Errorf("Predict(%s) err = %v, want ErrPredictionUnavailable", path, err)
		}
	}
}

func TestPredict_NoModel(t *testing.T) {
	p := New(writeArtifact(t), nil, WithLogger(logger.Discard()))
	if _, err := p.Predict(context.Background(), hotfix()); !errors.Is(err, domain.ErrPredictionUnavailable) {
		t.Errorf("err = %v, want ErrPredictionUnavailable", err)
	}
}

func TestPredict_ModelFailureIsFatal(t *testing.T) {
	p := New(writeArtifact(t), &fakeModel{err: errors.New("segfault")}, WithLogger(logger.Discard()))

	_, err := p.Predict(context.Background(), hotfix())
	if !errors.Is(err, domain.ErrPredictionUnavailable) {
		t.Errorf("err = %v, want ErrPredictionUnavailable", err)
	}
}

func TestPredict_RejectsInvalidOutput(t *testing.T) {
	tests := []struct {
		name string
		out  Output
	}{
		{"nan memory", Output{MemoryGB: math.NaN()}},
		{"inf time", Output{MemoryGB: 1, TimeMinutes: math.Inf(1)}},
		{"negative memory", Output{MemoryGB: -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(writeArtifact(t), &fakeModel{out: tt.out}, WithLogger(logger.Discard()))
			if _, err := p.Predict(context.Background(), hotfix()); !errors.Is(err, domain.ErrPredictionUnavailable) {
				t.Errorf("err = %v, want ErrPredictionUnavailable", err)
			}
		})
	}
}

func TestPredict_ClampsCPUAndConfidence(t *testing.T) {
	conf := 140.0
	model := &fakeModel{out: Output{CPUPercent: 180, MemoryGB: 2, Confidence: &conf, Method: "rf_v2"}}
	p := New(writeArtifact(t), model, WithLogger(logger.Discard()))

	est, err := p.Predict(context.Background(), hotfix())
	if err != nil {
		t.Fatal(err)
	}
	if est.CPUPercent != 100 {
		t.Errorf("CPUPercent = %v, want 100", est.CPUPercent)
	}
	if est.Confidence != 100 {
		t.Errorf("Confidence = %v, want 100", est.Confidence)
	}
	if est.Method != "rf_v2" {
		t.Errorf("Method = %q, want rf_v2", est.Method)
	}
}
