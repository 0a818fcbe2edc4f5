// Package pipeline closes the sizing loop: it classifies a build before it
// runs, measures it while it runs and feeds the measurement back into the
// training corpus afterwards.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/features"
	"github.com/hochfrequenz/node-sizer/internal/logger"
	"github.com/hochfrequenz/node-sizer/internal/notify"
	"github.com/hochfrequenz/node-sizer/internal/runner"
	"github.com/hochfrequenz/node-sizer/internal/tier"
)

// FeatureSource extracts change-set features
type FeatureSource interface {
	Extract(ctx context.Context, ref features.ChangeRef) features.Result
}

// Estimator predicts resource usage
type Estimator interface {
	Predict(ctx context.Context, fv domain.FeatureVector) (domain.Estimate, error)
}

// Classifier maps an estimate onto a tier
type Classifier interface {
	Classify(est domain.Estimate) domain.Tier
}

// Monitor measures a running build
type Monitor interface {
	Start(ctx context.Context, jobID string) error
	Stop(jobID string) (domain.Usage, error)
}

// Corpus stores measured builds for training
type Corpus interface {
	Append(rec domain.TrainingRecord) error
}

// Ledger records decisions and outcomes
type Ledger interface {
	RecordDecision(ctx context.Context, d domain.Decision) error
	RecordOutcome(ctx context.Context, buildID string, usage domain.Usage, status domain.BuildStatus, at time.Time) error
}

// Retrainer retrains the model when the corpus allows it
type Retrainer interface {
	MaybeTrain(ctx context.Context) (domain.RetrainDecision, *domain.TrainResult)
}

// Executor runs the build command
type Executor interface {
	Run(ctx context.Context, job runner.Job, onOutput runner.OutputCallback) (*runner.Result, error)
}

// Event types delivered to listeners
const (
	EventClassified = "classified"
	EventCompleted  = "completed"
)

// Event reports pipeline progress
type Event struct {
	Type       string           `json:"type"`
	BuildID    string           `json:"buildId"`
	Decision   *domain.Decision `json:"decision,omitempty"`
	Completion *Completion      `json:"completion,omitempty"`
	At         time.Time        `json:"at"`
}

// Completion is the feedback half of the loop for one build
type Completion struct {
	Record   domain.TrainingRecord  `json:"-"`
	Usage    domain.Usage           `json:"usage"`
	Status   domain.BuildStatus     `json:"status"`
	Retrain  domain.RetrainDecision `json:"retrain"`
	Training *domain.TrainResult    `json:"training,omitempty"`
	// Undersized is set when peak memory exceeded the tier's capacity
	Undersized bool `json:"undersized,omitempty"`
}

// Undersized reports whether a build's measured peak memory exceeded the
// capacity of the tier it was given
func Undersized(d domain.Decision, u domain.Usage) bool {
	return u.MemoryMaxMB/1024 > d.Tier.CapacityGB
}

// Pipeline wires the sizing components together. Only the extractor,
// estimator and classifier are required; the feedback stages are skipped
// when not configured.
type Pipeline struct {
	extractor  FeatureSource
	estimator  Estimator
	classifier Classifier

	monitor   Monitor
	corpus    Corpus
	ledger    Ledger
	retrainer Retrainer
	executor  Executor
	notifier  notify.Notifier

	listeners []func(Event)
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithMonitor enables measurement between Begin and Complete
func WithMonitor(m Monitor) Option { return func(p *Pipeline) { p.monitor = m } }

// WithCorpus enables appending measured builds
func WithCorpus(c Corpus) Option { return func(p *Pipeline) { p.corpus = c } }

// WithLedger enables decision history
func WithLedger(l Ledger) Option { return func(p *Pipeline) { p.ledger = l } }

// WithRetrainer evaluates retraining after each completed build
func WithRetrainer(r Retrainer) Option { return func(p *Pipeline) { p.retrainer = r } }

// WithExecutor sets the command runner used by Run
func WithExecutor(e Executor) Option { return func(p *Pipeline) { p.executor = e } }

// WithNotifier reports builds that outgrew their tier
func WithNotifier(n notify.Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

// WithListener receives every pipeline event
func WithListener(fn func(Event)) Option {
	return func(p *Pipeline) { p.listeners = append(p.listeners, fn) }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.Component(l, "pipeline") }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a pipeline
func New(extractor FeatureSource, estimator Estimator, classifier Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:  extractor,
		estimator:  estimator,
		classifier: classifier,
		logger:     logger.Component(nil, "pipeline"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Classify extracts features for ref and sizes the build. A prediction
// failure aborts with ErrPredictionUnavailable and no tier.
func (p *Pipeline) Classify(ctx context.Context, buildID string, ref features.ChangeRef) (domain.Decision, error) {
	res := p.extractor.Extract(ctx, ref)
	if len(res.Degraded) > 0 {
		p.logger.Info("classifying with degraded features", "build_id", buildID, "degraded", len(res.Degraded))
	}
	return p.ClassifyFeatures(ctx, buildID, res.Features)
}

// ClassifyFeatures sizes a build from an already known feature vector
func (p *Pipeline) ClassifyFeatures(ctx context.Context, buildID string, fv domain.FeatureVector) (domain.Decision, error) {
	fv = fv.Normalize()

	est, err := p.estimator.Predict(ctx, fv)
	if err != nil {
		p.logger.Error("prediction unavailable", "build_id", buildID, "error", err)
		return domain.Decision{}, fmt.Errorf("classifying build %s: %w", buildID, err)
	}

	t := p.classifier.Classify(est)
	d := domain.Decision{
		BuildID:    buildID,
		Features:   fv,
		Estimate:   est,
		RequiredGB: tier.Required(est.MemoryGB),
		Tier:       t,
		DecidedAt:  p.now(),
	}
	p.logger.Info("build classified",
		"build_id", buildID,
		"tier", t.Name,
		"memory_gb", est.MemoryGB,
		"required_gb", d.RequiredGB,
		"confidence", est.Confidence)

	if p.ledger != nil {
		if err := p.ledger.RecordDecision(ctx, d); err != nil {
			p.logger.Warn("recording decision failed", "build_id", buildID, "error", err)
		}
	}
	p.emit(Event{Type: EventClassified, BuildID: buildID, Decision: &d})
	return d, nil
}

// Begin starts measuring the build a decision was made for
func (p *Pipeline) Begin(ctx context.Context, d domain.Decision) error {
	if p.monitor == nil {
		return nil
	}
	return p.monitor.Start(ctx, d.BuildID)
}

// Complete stops measurement, records the build in the corpus and ledger
// and gives the retrainer a chance to run. A corpus write failure is
// returned after the ledger is updated, and retraining is skipped.
func (p *Pipeline) Complete(ctx context.Context, d domain.Decision, status domain.BuildStatus) (*Completion, error) {
	var usage domain.Usage
	if p.monitor != nil {
		u, err := p.monitor.Stop(d.BuildID)
		if err != nil {
			return nil, err
		}
		usage = u
	}

	c := &Completion{
		Record: domain.NewTrainingRecord(d.BuildID, p.now(), d.Features, usage, status),
		Usage:  usage,
	}
	c.Status = c.Record.Status

	var appendErr error
	if p.corpus != nil {
		if err := p.corpus.Append(c.Record); err != nil {
			p.logger.Error("training record lost", "build_id", d.BuildID, "error", err)
			appendErr = err
		}
	}
	if p.ledger != nil {
		if err := p.ledger.RecordOutcome(ctx, d.BuildID, usage, c.Status, c.Record.Timestamp); err != nil {
			p.logger.Warn("recording outcome failed", "build_id", d.BuildID, "error", err)
		}
	}

	if Undersized(d, usage) {
		c.Undersized = true
		p.logger.Warn("build outgrew its tier",
			"build_id", d.BuildID,
			"tier", d.Tier.Name,
			"memory_max_mb", usage.MemoryMaxMB,
			"predicted_gb", d.Estimate.MemoryGB)
		if p.notifier != nil {
			if err := p.notifier.Send(notify.Undersized(d, usage)); err != nil {
				p.logger.Warn("undersized notification failed", "build_id", d.BuildID, "error", err)
			}
		}
	}

	if p.retrainer != nil && appendErr == nil {
		c.Retrain, c.Training = p.retrainer.MaybeTrain(ctx)
	}

	p.logger.Info("build completed",
		"build_id", d.BuildID,
		"status", c.Status,
		"memory_max_mb", usage.MemoryMaxMB,
		"tier_capacity_gb", d.Tier.CapacityGB)
	p.emit(Event{Type: EventCompleted, BuildID: d.BuildID, Decision: &d, Completion: c})
	return c, appendErr
}

// Report is the outcome of Run
type Report struct {
	Decision   domain.Decision `json:"decision"`
	Result     *runner.Result  `json:"-"`
	Completion *Completion     `json:"completion"`
}

// Run classifies, executes and measures one build. The job runs with
// NODE_SIZER_TIER and NODE_SIZER_BUILD_ID in its environment. When
// classification fails the job is not started.
func (p *Pipeline) Run(ctx context.Context, ref features.ChangeRef, job runner.Job, onOutput runner.OutputCallback) (*Report, error) {
	if p.executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}

	d, err := p.Classify(ctx, job.ID, ref)
	if err != nil {
		return nil, err
	}
	report := &Report{Decision: d}

	if job.Env == nil {
		job.Env = make(map[string]string)
	}
	job.Env["NODE_SIZER_TIER"] = d.Tier.Name
	job.Env["NODE_SIZER_BUILD_ID"] = d.BuildID

	if err := p.Begin(ctx, d); err != nil {
		return report, err
	}

	status := domain.StatusUnknown
	result, runErr := p.executor.Run(ctx, job, onOutput)
	if runErr != nil {
		p.logger.Error("build did not run to completion", "build_id", d.BuildID, "error", runErr)
	} else {
		report.Result = result
		status = result.Status
	}

	completion, err := p.Complete(ctx, d, status)
	report.Completion = completion
	if runErr != nil {
		return report, runErr
	}
	return report, err
}

func (p *Pipeline) emit(e Event) {
	if e.At.IsZero() {
		e.At = p.now()
	}
	for _, fn := range p.listeners {
		fn(e)
	}
}
