package retrain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/artifact"
	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
	"github.com/hochfrequenz/node-sizer/internal/notify"
)

type fakeCorpus struct {
	count int
	path  string
}

func (c *fakeCorpus) Count() int   { return c.count }
func (c *fakeCorpus) Path() string { return c.path }

// trainerFunc adapts a function to Trainer
type trainerFunc func(ctx context.Context, req TrainRequest) error

func (f trainerFunc) Train(ctx context.Context, req TrainRequest) error { return f(ctx, req) }

const goodMetrics = `{"r2_score": 0.87, "mae": 1.25, "training_samples": 40, "test_samples": 10, "feature_importance": {"lines_added": 0.4}}`

func writingTrainer(model, metrics string) trainerFunc {
	return func(ctx context.Context, req TrainRequest) error {
		if err := os.WriteFile(filepath.Join(req.ModelDir, "model.pkl"), []byte(model), 0644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(req.ModelDir, MetadataFile), []byte(`{"features": []}`), 0644); err != nil {
			return err
		}
		return os.WriteFile(req.MetricsPath, []byte(metrics), 0644)
	}
}

func setupModel(t *testing.T) (dir, modelPath string) {
	t.Helper()
	dir = t.TempDir()
	modelPath = filepath.Join(dir, "model.pkl")
	if err := os.WriteFile(modelPath, []byte("serving model v1"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, modelPath
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type recordingRecorder struct {
	results []domain.TrainResult
}

func (r *recordingRecorder) RecordTraining(ctx context.Context, result domain.TrainResult) error {
	r.results = append(r.results, result)
	return nil
}

func TestGate_EvaluateThreshold(t *testing.T) {
	tests := []struct {
		count int
		min   int
		want  bool
	}{
		{49, 50, false},
		{50, 50, true},
		{51, 50, true},
		{0, 50, false},
		{10, 10, true},
		{0, 0, true},
	}

	for _, tt := range tests {
		g := NewGate(&fakeCorpus{count: tt.count}, nil, "model.pkl", WithLogger(logger.Discard()))
		d := g.Evaluate(tt.min)
		if d.Eligible != tt.want {
			t.Errorf("Evaluate(%d) with %d records: eligible = %v, want %v", tt.min, tt.count, d.Eligible, tt.want)
		}
		if d.RecordCount != tt.count || d.MinRecords != tt.min {
			t.Errorf("decision = %+v", d)
		}
		if !d.Eligible && !strings.Contains(d.Reason, domain.ErrInsufficientData.Error()) {
			t.Errorf("reason %q should name insufficient data", d.Reason)
		}
	}
}

func TestGate_TriggerTrainingInstallsModel(t *testing.T) {
	dir, modelPath := setupModel(t)
	notes := &recordingNotifier{}
	rec := &recordingRecorder{}
	var heard []domain.TrainResult

	g := NewGate(&fakeCorpus{count: 60, path: "/data/training_data.csv"},
		writingTrainer("serving model v2", goodMetrics), modelPath,
		WithNotifier(notes), WithRecorder(rec),
		WithListener(func(r domain.TrainResult) { heard = append(heard, r) }),
		WithLogger(logger.Discard()))

	result := g.TriggerTraining(context.Background())

	if !result.Trained {
		t.Fatalf("Trained = false, reason %q", result.Reason)
	}
	got, _ := os.ReadFile(modelPath)
	if string(got) != "serving model v2" {
		t.Errorf("model = %q, want v2", got)
	}
	want, _ := artifact.Version(modelPath)
	if result.ModelVersion != want {
		t.Errorf("ModelVersion = %q, want %q", result.ModelVersion, want)
	}
	if result.Metrics == nil || result.Metrics.R2Score != 0.87 || result.Metrics.TrainingSamples != 40 {
		t.Errorf("Metrics = %+v", result.Metrics)
	}
	if result.RecordCount != 60 {
		t.Errorf("RecordCount = %d, want 60", result.RecordCount)
	}
	for _, name := range []string{MetadataFile, MetricsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not installed: %v", name, err)
		}
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") {
			t.Errorf("staging directory %s left behind", e.Name())
		}
	}

	if len(notes.notes) != 1 || notes.notes[0].Type != notify.NotifySuccess {
		t.Errorf("notifications = %+v", notes.notes)
	}
	if len(rec.results) != 1 || len(heard) != 1 {
		t.Errorf("recorded %d, heard %d; want 1 each", len(rec.results), len(heard))
	}
	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if g.TrainedRecords() != 60 {
		t.Errorf("TrainedRecords = %d, want 60", g.TrainedRecords())
	}
}

func TestGate_FailedTrainingKeepsServingModel(t *testing.T) {
	tests := []struct {
		name    string
		trainer Trainer
	}{
		{"trainer error", trainerFunc(func(ctx context.Context, req TrainRequest) error {
			// Partial output before failing must not leak into service.
			os.WriteFile(filepath.Join(req.ModelDir, "model.pkl"), []byte("half"), 0644)
			return errors.New("exit status 1")
		})},
		{"malformed metrics", writingTrainer("new", `{"r2_score": `)},
		{"zero samples", writingTrainer("new", `{"r2_score": 0.5, "mae": 1, "training_samples": 0}`)},
		{"missing metrics", trainerFunc(func(ctx context.Context, req TrainRequest) error {
			return os.WriteFile(filepath.Join(req.ModelDir, "model.pkl"), []byte("new"), 0644)
		})},
		{"no model", trainerFunc(func(ctx context.Context, req TrainRequest) error {
			return os.WriteFile(req.MetricsPath, []byte(goodMetrics), 0644)
		})},
		{"empty model", writingTrainer("", goodMetrics)},
		{"nil trainer", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, modelPath := setupModel(t)
			before, _ := os.ReadFile(modelPath)
			notes := &recordingNotifier{}

			g := NewGate(&fakeCorpus{count: 10}, tt.trainer, modelPath,
				WithNotifier(notes), WithLogger(logger.Discard()))
			if d := g.Evaluate(10); !d.Eligible {
				t.Fatalf("Evaluate(10) with 10 records not eligible")
			}

			result := g.TriggerTraining(context.Background())

			if result.Trained {
				t.Fatal("Trained = true, want false")
			}
			if !strings.Contains(result.Reason, domain.ErrTrainingFailed.Error()) {
				t.Errorf("Reason = %q, want it to name the training failure", result.Reason)
			}
			if !errors.Is(result.Err, domain.ErrTrainingFailed) {
				t.Errorf("Err = %v, want ErrTrainingFailed", result.Err)
			}
			if g.TrainedRecords() != 0 {
				t.Error("failed training recorded an install")
			}
			after, err := os.ReadFile(modelPath)
			if err != nil {
				t.Fatalf("serving model gone: %v", err)
			}
			if string(after) != string(before) {
				t.Errorf("serving model changed to %q", after)
			}
			if len(notes.notes) != 1 || notes.notes[0].Type != notify.NotifyError {
				t.Errorf("notifications = %+v", notes.notes)
			}
		})
	}
}

func TestGate_OneTrainingAtATime(t *testing.T) {
	_, modelPath := setupModel(t)
	entered := make(chan struct{})
	release := make(chan struct{})

	trainer := trainerFunc(func(ctx context.Context, req TrainRequest) error {
		close(entered)
		<-release
		return writingTrainer("v2", goodMetrics)(ctx, req)
	})
	g := NewGate(&fakeCorpus{count: 50}, trainer, modelPath, WithLogger(logger.Discard()))

	done := make(chan domain.TrainResult)
	go func() { done <- g.TriggerTraining(context.Background()) }()
	<-entered

	second := g.TriggerTraining(context.Background())
	if second.Trained || !errors.Is(second.Err, domain.ErrTrainingInProgress) {
		t.Errorf("concurrent trigger = %+v, want already in progress", second)
	}

	close(release)
	if first := <-done; !first.Trained {
		t.Errorf("first run failed: %s", first.Reason)
	}
}

func TestGate_MaybeTrain(t *testing.T) {
	_, modelPath := setupModel(t)
	calls := 0
	trainer := trainerFunc(func(ctx context.Context, req TrainRequest) error {
		calls++
		return writingTrainer("v2", goodMetrics)(ctx, req)
	})
	corpus := &fakeCorpus{count: 49}
	g := NewGate(corpus, trainer, modelPath, WithMinRecords(50), WithLogger(logger.Discard()))

	d, result := g.MaybeTrain(context.Background())
	if d.Eligible || result != nil || calls != 0 {
		t.Errorf("below threshold: decision %+v, result %v, calls %d", d, result, calls)
	}

	corpus.count = 50
	d, result = g.MaybeTrain(context.Background())
	if !d.Eligible || result == nil || !result.Trained || calls != 1 {
		t.Errorf("at threshold: decision %+v, result %+v, calls %d", d, result, calls)
	}
}

func TestGate_MaybeTrainNeedsNewRecords(t *testing.T) {
	_, modelPath := setupModel(t)
	calls := 0
	trainer := trainerFunc(func(ctx context.Context, req TrainRequest) error {
		calls++
		return writingTrainer("v2", goodMetrics)(ctx, req)
	})
	corpus := &fakeCorpus{count: 50}
	g := NewGate(corpus, trainer, modelPath, WithMinRecords(50), WithLogger(logger.Discard()))
	ctx := context.Background()

	if _, result := g.MaybeTrain(ctx); result == nil || !result.Trained {
		t.Fatalf("first run at 50 records: %+v", result)
	}

	corpus.count = 99
	d, result := g.MaybeTrain(ctx)
	if result != nil || d.Eligible || calls != 1 {
		t.Errorf("49 new records: decision %+v, result %+v, calls %d", d, result, calls)
	}
	if !strings.Contains(d.Reason, "49 new records") {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.RecordCount != 99 {
		t.Errorf("RecordCount = %d, want 99", d.RecordCount)
	}

	// The baseline outlives the gate that wrote it.
	g = NewGate(corpus, trainer, modelPath, WithMinRecords(50), WithLogger(logger.Discard()))
	corpus.count = 100
	if _, result := g.MaybeTrain(ctx); result == nil || calls != 2 {
		t.Errorf("50 new records: result %+v, calls %d", result, calls)
	}
	if g.TrainedRecords() != 100 {
		t.Errorf("TrainedRecords = %d, want 100", g.TrainedRecords())
	}

	// A replaced corpus smaller than the baseline counts from zero.
	corpus.count = 60
	if _, result := g.MaybeTrain(ctx); result == nil || calls != 3 {
		t.Errorf("replaced corpus: result %+v, calls %d", result, calls)
	}
}

func TestGate_UnreadableStateCountsFromZero(t *testing.T) {
	dir, modelPath := setupModel(t)
	os.WriteFile(filepath.Join(dir, StateFile), []byte("{"), 0644)
	g := NewGate(&fakeCorpus{count: 10}, writingTrainer("v2", goodMetrics), modelPath,
		WithMinRecords(10), WithLogger(logger.Discard()))

	if g.TrainedRecords() != 0 {
		t.Errorf("TrainedRecords = %d, want 0", g.TrainedRecords())
	}
	if _, result := g.MaybeTrain(context.Background()); result == nil || !result.Trained {
		t.Errorf("result = %+v, want a training run", result)
	}
}

func TestGate_UsesClock(t *testing.T) {
	_, modelPath := setupModel(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(&fakeCorpus{}, writingTrainer("v2", goodMetrics), modelPath,
		WithClock(func() time.Time { return at }), WithLogger(logger.Discard()))

	result := g.TriggerTraining(context.Background())
	if !result.StartedAt.Equal(at) || !result.FinishedAt.Equal(at) {
		t.Errorf("times = %v / %v, want %v", result.StartedAt, result.FinishedAt, at)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "@daily", "*/15 * * * *"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q) = %v", expr, err)
		}
	}
	if _, err := ParseSchedule("every tuesday"); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := NewScheduler(nil, "61 * * * *", logger.Discard()); err == nil {
		t.Error("NewScheduler should reject an invalid expression")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	_, modelPath := setupModel(t)
	g := NewGate(&fakeCorpus{}, nil, modelPath, WithLogger(logger.Discard()))
	s, err := NewScheduler(g, "@hourly", logger.Discard())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if next := s.NextRun(); next.IsZero() || next.Before(time.Now()) {
		t.Errorf("NextRun = %v, want a future time", next)
	}
	s.Stop()
}
