// Package monitor samples resource consumption while a build runs.
//
// Each job gets its own sampling goroutine between Start and Stop. The loop
// observes cancellation on every iteration; samples already collected are
// kept in a mutex-guarded buffer, so cancelling mid-sleep loses nothing.
// Stop waits at most StopTimeout for the loop to exit. Samples the loop has
// not recorded by then are dropped and the result is marked Truncated.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

// Sample is one telemetry reading
type Sample struct {
	At         time.Time
	CPUPercent float64
	MemoryMB   float64
}

// Sampler supplies instantaneous host telemetry
type Sampler interface {
	Sample(ctx context.Context) (cpuPercent, memoryMB float64, err error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (float64, float64, error)

// Sample implements Sampler
func (f SamplerFunc) Sample(ctx context.Context) (float64, float64, error) {
	return f(ctx)
}

// Monitor tracks sampling sessions keyed by job id
type Monitor struct {
	sampler     Sampler
	interval    time.Duration
	stopTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Monitor
type Option func(*Monitor)

// WithInterval sets the sampling interval
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the sampling loop
func WithStopTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger.Component(l, "monitor") }
}

// New creates a monitor reading from sampler
func New(sampler Sampler, opts ...Option) *Monitor {
	m := &Monitor{
		sampler:     sampler,
		interval:    DefaultInterval,
		stopTimeout: DefaultStopTimeout,
		now:         time.Now,
		logger:      logger.Component(nil, "monitor"),
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type session struct {
	jobID   string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	samples []Sample
	closed  bool
	errors  int
}

func (s *session) record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.samples = append(s.samples, sample)
}

func (s *session) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// seal stops accepting samples and returns what was collected
func (s *session) seal() ([]Sample, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out, s.errors
}

// Start begins sampling for jobID. Starting a job that is already being
// sampled is ErrMonitorMisuse.
func (m *Monitor) Start(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty job id", domain.ErrMonitorMisuse)
	}
	if m.sampler == nil {
		return fmt.Errorf("%w: no sampler configured", domain.ErrMonitorMisuse)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.sessions[jobID]; running {
		return fmt.Errorf("%w: job %s is already being monitored", domain.ErrMonitorMisuse, jobID)
	}

	// The sampling loop outlives the caller's request scope until Stop.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		jobID:   jobID,
		started: m.now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.sessions[jobID] = s

	go m.loop(loopCtx, s)

	m.logger.Debug("monitoring started", "job_id", jobID, "interval", m.interval)
	return nil
}

func (m *Monitor) loop(ctx context.Context, s *session) {
	defer close(s.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// A tick and a cancellation can be ready together.
		if ctx.Err() != nil {
			return
		}

		cpu, mem, err := m.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.recordError()
			m.logger.Debug("sample failed", "job_id", s.jobID, "error", err)
			continue
		}
		s.record(Sample{At: m.now(), CPUPercent: cpu, MemoryMB: mem})
	}
}

// Stop ends sampling for jobID and aggregates the collected samples.
// Stopping a job that was never started is ErrMonitorMisuse.
func (m *Monitor) Stop(jobID string) (domain.Usage, error) {
	m.mu.Lock()
	s, ok := m.sessions[jobID]
	if ok {
		delete(m.sessions, jobID)
	}
	m.mu.Unlock()

	if !ok {
		return domain.Usage{}, fmt.Errorf("%w: job %s is not being monitored", domain.ErrMonitorMisuse, jobID)
	}

	elapsed := m.now().Sub(s.started)
	s.cancel()

	truncated := false
	timer := time.NewTimer(m.stopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		truncated = true
		m.logger.Warn("sampling loop did not stop in time", "job_id", jobID, "timeout", m.stopTimeout)
	}

	samples, failures := s.seal()
	usage := Aggregate(samples)
	usage.Elapsed = elapsed
	usage.Truncated = truncated

	m.logger.Info("monitoring stopped",
		"job_id", jobID,
		"samples", usage.Samples,
		"failed_samples", failures,
		"cpu_avg", usage.CPUAvg,
		"memory_max_mb", usage.MemoryMaxMB,
		"elapsed", elapsed)

	return usage, nil
}

// Active reports whether jobID is currently being sampled
func (m *Monitor) Active(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[jobID]
	return ok
}

// Aggregate computes averages and maxima. No samples yields zeros.
func Aggregate(samples []Sample) domain.Usage {
	usage := domain.Usage{Samples: len(samples)}
	if len(samples) == 0 {
		return usage
	}

	var cpuSum, memSum float64
	for i, s := range samples {
		cpuSum += s.CPUPercent
		memSum += s.MemoryMB
		if i == 0 || s.CPUPercent > usage.CPUMax {
			usage.CPUMax = s.CPUPercent
		}
		if i == 0 || s.MemoryMB > usage.MemoryMaxMB {
			usage.MemoryMaxMB = s.MemoryMB
		}
	}
	n := float64(len(samples))
	usage.CPUAvg = cpuSum / n
	usage.MemoryAvgMB = memSum / n
	return usage
}
