package notify

import (
	"context"
	"log/slog"

	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// LogNotifier writes notifications to a structured logger
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging through l
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Component(l, "notify")}
}

// Send logs the notification at a level matching its type
func (n *LogNotifier) Send(note Notification) error {
	level := slog.LevelInfo
	switch note.Type {
	case NotifyWarning:
		level = slog.LevelWarn
	case NotifyError:
		level = slog.LevelError
	}
	attrs := []any{"message", note.Message}
	if note.ModelVersion != "" {
		attrs = append(attrs, "model_version", note.ModelVersion)
	}
	if note.BuildID != "" {
		attrs = append(attrs, "build_id", note.BuildID)
	}
	if note.Tier != "" {
		attrs = append(attrs, "tier", note.Tier)
	}
	for _, f := range note.Fields {
		attrs = append(attrs, slog.String(f.Name, f.Value))
	}
	n.logger.Log(context.Background(), level, note.Title, attrs...)
	return nil
}
