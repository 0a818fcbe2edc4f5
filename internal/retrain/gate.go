// Package retrain decides when the corpus is large enough to retrain the
// sizing model and installs freshly trained artifacts without disturbing
// the one in service.
package retrain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/artifact"
	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
	"github.com/hochfrequenz/node-sizer/internal/notify"
)

// DefaultMinRecords is the corpus size at which retraining becomes eligible
const DefaultMinRecords = 50

// Names of the files a training run produces and the gate installs next
// to the model.
const (
	MetadataFile = "metadata.json"
	MetricsFile  = "metrics.json"
)

// StateFile is written by the gate next to the model after every install
const StateFile = "training_state.json"

// trainingState records what the serving model was trained on
type trainingState struct {
	RecordCount  int       `json:"record_count"`
	ModelVersion string    `json:"model_version"`
	InstalledAt  time.Time `json:"installed_at"`
}

// Corpus is the view of the training corpus the gate needs
type Corpus interface {
	Count() int
	Path() string
}

// TrainRequest tells a Trainer where to read and write
type TrainRequest struct {
	DataPath    string
	ModelDir    string
	MetricsPath string
}

// Trainer runs the external training procedure. It writes the model
// artifact into req.ModelDir and its metrics document to req.MetricsPath.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) error
}

// Recorder persists training attempts
type Recorder interface {
	RecordTraining(ctx context.Context, result domain.TrainResult) error
}

// Gate owns the retraining policy for one model artifact
type Gate struct {
	corpus     Corpus
	trainer    Trainer
	modelPath  string
	minRecords int

	notifier  notify.Notifier
	recorder  Recorder
	listeners []func(domain.TrainResult)
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex // held for the duration of a training run
}

// Option configures a Gate
type Option func(*Gate)

// WithMinRecords sets the threshold used by MaybeTrain
func WithMinRecords(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.minRecords = n
		}
	}
}

// WithNotifier reports installs and failures
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithRecorder persists every training attempt
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithListener is called with every training result
func WithListener(fn func(domain.TrainResult)) Option {
	return func(g *Gate) { g.listeners = append(g.listeners, fn) }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger.Component(l, "retrain") }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate training from corpus into modelPath
func NewGate(corpus Corpus, trainer Trainer, modelPath string, opts ...Option) *Gate {
	g := &Gate{
		corpus:     corpus,
		trainer:    trainer,
		modelPath:  modelPath,
		minRecords: DefaultMinRecords,
		notifier:   notify.NoopNotifier{},
		logger:     logger.Component(nil, "retrain"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MinRecords returns the configured threshold
func (g *Gate) MinRecords() int {
	return g.minRecords
}

// ModelPath returns the serving artifact location
func (g *Gate) ModelPath() string {
	return g.modelPath
}

// Evaluate reports whether the corpus holds at least minRecords rows
func (g *Gate) Evaluate(minRecords int) domain.RetrainDecision {
	count := g.corpus.Count()
	d := domain.RetrainDecision{
		Eligible:    count >= minRecords,
		RecordCount: count,
		MinRecords:  minRecords,
	}
	if d.Eligible {
		d.Reason = fmt.Sprintf("corpus has %d records (threshold %d)", count, minRecords)
	} else {
		d.Reason = fmt.Sprintf("%v: %d of %d records", domain.ErrInsufficientData, count, minRecords)
	}
	return d
}

// MaybeTrain trains when the corpus holds at least the configured number
// of records and at least that many were added since the serving model
// was installed. The result is nil when training was not attempted.
func (g *Gate) MaybeTrain(ctx context.Context) (domain.RetrainDecision, *domain.TrainResult) {
	d := g.Evaluate(g.minRecords)
	if d.Eligible {
		trained := g.TrainedRecords()
		if trained > d.RecordCount {
			// The corpus was replaced; everything in it is new.
			trained = 0
		}
		if fresh := d.RecordCount - trained; fresh < g.minRecords {
			d.Eligible = false
			d.Reason = fmt.Sprintf("%v: %d new records since last install, need %d",
				domain.ErrInsufficientData, fresh, g.minRecords)
		}
	}
	if !d.Eligible {
		g.logger.Debug("retraining skipped", "reason", d.Reason)
		return d, nil
	}
	result := g.TriggerTraining(ctx)
	return d, &result
}

// TrainedRecords returns the corpus size the serving model was trained
// on, zero when no install has been recorded.
func (g *Gate) TrainedRecords() int {
	data, err := os.ReadFile(g.statePath())
	if err != nil {
		return 0
	}
	var st trainingState
	if err := json.Unmarshal(data, &st); err != nil {
		g.logger.Warn("ignoring unreadable training state", "path", g.statePath(), "error", err)
		return 0
	}
	return st.RecordCount
}

func (g *Gate) statePath() string {
	return filepath.Join(filepath.Dir(g.modelPath), StateFile)
}

// saveState records a successful install. The model is already in service,
// so a failure here only means the next MaybeTrain may train early.
func (g *Gate) saveState(result domain.TrainResult) {
	st := trainingState{
		RecordCount:  result.RecordCount,
		ModelVersion: result.ModelVersion,
		InstalledAt:  result.FinishedAt,
	}
	if err := g.writeState(st); err != nil {
		g.logger.Warn("recording training state failed", "path", g.statePath(), "error", err)
	}
}

func (g *Gate) writeState(st trainingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(g.modelPath), ".state-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return artifact.Install(g.statePath(), f.Name())
}

// TriggerTraining trains against the full corpus and installs the result.
// On any failure the serving artifact is left untouched. Only one run
// proceeds at a time; a concurrent trigger returns immediately.
func (g *Gate) TriggerTraining(ctx context.Context) domain.TrainResult {
	if !g.mu.TryLock() {
		return domain.TrainResult{
			Reason:    domain.ErrTrainingInProgress.Error(),
			StartedAt: g.now(),
			Err:       domain.ErrTrainingInProgress,
		}
	}
	defer g.mu.Unlock()

	result := domain.TrainResult{
		RecordCount: g.corpus.Count(),
		StartedAt:   g.now(),
	}
	g.logger.Info("training started", "records", result.RecordCount, "model", g.modelPath)

	metrics, version, err := g.train(ctx)
	result.FinishedAt = g.now()
	if err != nil {
		result.Reason = err.Error()
		result.Err = err
		g.logger.Error("training failed", "error", err, "duration", result.FinishedAt.Sub(result.StartedAt))
		g.notifier.Send(notify.TrainingFailed(result))
	} else {
		result.Trained = true
		result.Metrics = metrics
		result.ModelVersion = version
		result.Reason = "model installed"
		g.saveState(result)
		g.logger.Info("model installed",
			"version", version,
			"r2_score", metrics.R2Score,
			"mae", metrics.MAE,
			"training_samples", metrics.TrainingSamples)
		g.notifier.Send(notify.ModelInstalled(result))
	}

	if g.recorder != nil {
		if err := g.recorder.RecordTraining(ctx, result); err != nil {
			g.logger.Warn("recording training run failed", "error", err)
		}
	}
	for _, fn := range g.listeners {
		fn(result)
	}
	return result
}

// train runs the trainer in a staging directory beside the model and
// installs its output. Every error wraps ErrTrainingFailed.
func (g *Gate) train(ctx context.Context) (*domain.TrainingMetrics, string, error) {
	if g.trainer == nil {
		return nil, "", fmt.Errorf("%w: no trainer configured", domain.ErrTrainingFailed)
	}

	modelDir := filepath.Dir(g.modelPath)
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrTrainingFailed, err)
	}
	staging, err := os.MkdirTemp(modelDir, ".staging-")
	if err != nil {
		return nil, "", fmt.Errorf("%w: creating staging directory: %v", domain.ErrTrainingFailed, err)
	}
	defer os.RemoveAll(staging)

	req := TrainRequest{
		DataPath:    g.corpus.Path(),
		ModelDir:    staging,
		MetricsPath: filepath.Join(staging, MetricsFile),
	}
	if err := g.trainer.Train(ctx, req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrTrainingFailed, err)
	}

	metrics, err := readMetrics(req.MetricsPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrTrainingFailed, err)
	}

	staged, err := stagedModel(staging, filepath.Base(g.modelPath))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrTrainingFailed, err)
	}

	if err := artifact.Install(g.modelPath, staged); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrTrainingFailed, err)
	}

	// The model is in service from here on; side files are best effort.
	for _, name := range []string{MetadataFile, MetricsFile} {
		src := filepath.Join(staging, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := artifact.Install(filepath.Join(modelDir, name), src); err != nil {
			g.logger.Warn("installing side file failed", "file", name, "error", err)
		}
	}

	version, err := artifact.Version(g.modelPath)
	if err != nil {
		g.logger.Warn("fingerprinting installed model failed", "error", err)
	}
	return metrics, version, nil
}

// stagedModel finds the artifact a trainer wrote. Trainers either use the
// serving file name or the conventional model.pkl.
func stagedModel(dir, name string) (string, error) {
	for _, candidate := range []string{name, "model.pkl"} {
		p := filepath.Join(dir, candidate)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() || info.Size() == 0 {
			return "", fmt.Errorf("trained artifact %s is empty", candidate)
		}
		return p, nil
	}
	return "", fmt.Errorf("trainer produced no model artifact")
}

// readMetrics decodes and sanity-checks the trainer's metrics document
func readMetrics(path string) (*domain.TrainingMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metrics: %w", err)
	}

	var m domain.TrainingMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed metrics: %w", err)
	}
	if m.TrainingSamples <= 0 {
		return nil, fmt.Errorf("malformed metrics: training_samples = %d", m.TrainingSamples)
	}
	if math.IsNaN(m.R2Score) || math.IsInf(m.R2Score, 0) || math.IsNaN(m.MAE) || math.IsInf(m.MAE, 0) || m.MAE < 0 {
		return nil, fmt.Errorf("malformed metrics: r2_score %v, mae %v", m.R2Score, m.MAE)
	}
	return &m, nil
}
