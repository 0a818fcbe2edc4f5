// Package notify tells humans about sizing events: models installed or
// rejected by the retrain gate, and builds that outgrew their tier.
package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Field is one labelled fact of a notification
type Field struct {
	Name  string
	Value string
}

// Notification represents a notification to be sent
type Notification struct {
	Title        string
	Message      string
	Type         NotificationType
	ModelVersion string // Optional installed model fingerprint
	BuildID      string // Optional build reference
	Tier         string // Optional tier the build was given
	Fields       []Field
}

// ModelInstalled reports a successful retrain
func ModelInstalled(r domain.TrainResult) Notification {
	n := Notification{
		Title:        "Model retrained",
		Type:         NotifySuccess,
		ModelVersion: r.ModelVersion,
		Fields: []Field{
			{"Records", strconv.Itoa(r.RecordCount)},
			{"Duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()},
		},
	}
	if m := r.Metrics; m != nil {
		n.Message = fmt.Sprintf("r2 %.3f, mae %.3f on %d samples", m.R2Score, m.MAE, m.TrainingSamples)
		n.Fields = append(n.Fields,
			Field{"R2", strconv.FormatFloat(m.R2Score, 'f', 3, 64)},
			Field{"MAE", strconv.FormatFloat(m.MAE, 'f', 3, 64)},
			Field{"Test samples", strconv.Itoa(m.TestSamples)})
	}
	return n
}

// TrainingFailed reports a rejected retrain; the serving model is unchanged
func TrainingFailed(r domain.TrainResult) Notification {
	return Notification{
		Title:   "Model retraining failed",
		Message: r.Reason,
		Type:    NotifyError,
		Fields:  []Field{{"Records", strconv.Itoa(r.RecordCount)}},
	}
}

// Undersized reports a build whose measured peak memory exceeded the
// capacity of the tier it was sized onto
func Undersized(d domain.Decision, u domain.Usage) Notification {
	peakGB := u.MemoryMaxMB / 1024
	return Notification{
		Title: "Build outgrew its tier",
		Message: fmt.Sprintf("peak %.2f GB on %s (%.0f GB), predicted %.2f GB",
			peakGB, d.Tier.Name, d.Tier.CapacityGB, d.Estimate.MemoryGB),
		Type:         NotifyWarning,
		BuildID:      d.BuildID,
		Tier:         d.Tier.Name,
		ModelVersion: d.Estimate.ModelVersion,
		Fields: []Field{
			{"Predicted", fmt.Sprintf("%.2f GB", d.Estimate.MemoryGB)},
			{"Required", fmt.Sprintf("%.2f GB", d.RequiredGB)},
			{"Peak", fmt.Sprintf("%.2f GB", peakGB)},
			{"Capacity", fmt.Sprintf("%.0f GB", d.Tier.CapacityGB)},
		},
	}
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
