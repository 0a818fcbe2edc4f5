package retrain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/node-sizer/internal/logger"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such
// as @daily
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler runs MaybeTrain on a cron schedule
type Scheduler struct {
	gate   *Gate
	expr   string
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler validates expr and prepares a scheduler for gate
func NewScheduler(gate *Gate, expr string, l *slog.Logger) (*Scheduler, error) {
	if _, err := ParseSchedule(expr); err != nil {
		return nil, fmt.Errorf("invalid retrain schedule %q: %w", expr, err)
	}
	return &Scheduler{
		gate:   gate,
		expr:   expr,
		cron:   cron.New(cron.WithParser(parser)),
		logger: logger.Component(l, "retrain-schedule"),
	}, nil
}

// Start schedules retraining until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.expr, func() {
		d, result := s.gate.MaybeTrain(ctx)
		if result == nil {
			s.logger.Info("scheduled retrain skipped", "reason", d.Reason)
			return
		}
		s.logger.Info("scheduled retrain finished", "trained", result.Trained, "reason", result.Reason)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retrain schedule active", "schedule", s.expr, "next", s.NextRun())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running job to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// NextRun returns the next scheduled run, zero before Start
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
