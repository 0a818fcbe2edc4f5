package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:        "Model retrained",
		Message:      "r2 0.91 on 120 builds",
		Type:         NotifySuccess,
		ModelVersion: "3f2a9c1b7d4e",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Text != "Model retrained" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(got.Attachments))
	}
	if got.Attachments[0].Color != "good" || got.Attachments[0].Title != "model 3f2a9c1b7d4e" {
		t.Errorf("attachment = %+v", got.Attachments[0])
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSlackNotifier_DisabledWithoutWebhook(t *testing.T) {
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("Send = %v, want nil", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called, err: errors.New("down")}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	err := multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
	if err == nil {
		t.Error("expected the failing notifier's error")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	n.Send(Notification{Title: "Training failed", Message: "exit 1", Type: NotifyError, BuildID: "77"})

	out := buf.String()
	for _, want := range []string{"level=ERROR", "Training failed", "component=notify", "build_id=77"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestSlackNotifier_BuildContext(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	d := domain.Decision{
		BuildID:    "b42",
		Estimate:   domain.Estimate{MemoryGB: 1.5, ModelVersion: "ab12"},
		RequiredGB: 1.8,
		Tier:       domain.Tier{Name: "executor", CapacityGB: 2},
	}
	if err := NewSlackNotifier(server.URL).Send(Undersized(d, domain.Usage{MemoryMaxMB: 3072})); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	att := got.Attachments[0]
	if att.Title != "build b42 on executor" {
		t.Errorf("Title = %q", att.Title)
	}
	if att.Color != "warning" || att.Footer != "node-sizer | model ab12" {
		t.Errorf("attachment = %+v", att)
	}
	fields := map[string]string{}
	for _, f := range att.Fields {
		if !f.Short {
			t.Errorf("field %s is not short", f.Title)
		}
		fields[f.Title] = f.Value
	}
	want := map[string]string{"Predicted": "1.50 GB", "Required": "1.80 GB", "Peak": "3.00 GB", "Capacity": "2 GB"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
}

func TestUndersized(t *testing.T) {
	d := domain.Decision{
		BuildID:  "b42",
		Estimate: domain.Estimate{MemoryGB: 1.5},
		Tier:     domain.Tier{Name: "executor", CapacityGB: 2},
	}
	n := Undersized(d, domain.Usage{MemoryMaxMB: 2560})

	if n.Type != NotifyWarning || n.BuildID != "b42" || n.Tier != "executor" {
		t.Errorf("notification = %+v", n)
	}
	if want := "peak 2.50 GB on executor (2 GB), predicted 1.50 GB"; n.Message != want {
		t.Errorf("Message = %q, want %q", n.Message, want)
	}
}

func TestModelInstalled(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := domain.TrainResult{
		Trained:      true,
		RecordCount:  120,
		ModelVersion: "3f2a",
		StartedAt:    start,
		FinishedAt:   start.Add(42 * time.Second),
		Metrics:      &domain.TrainingMetrics{R2Score: 0.9123, MAE: 0.25, TrainingSamples: 96, TestSamples: 24},
	}
	n := ModelInstalled(r)

	if n.Type != NotifySuccess || n.ModelVersion != "3f2a" {
		t.Errorf("notification = %+v", n)
	}
	if want := "r2 0.912, mae 0.250 on 96 samples"; n.Message != want {
		t.Errorf("Message = %q, want %q", n.Message, want)
	}
	want := []Field{
		{"Records", "120"},
		{"Duration", "42s"},
		{"R2", "0.912"},
		{"MAE", "0.250"},
		{"Test samples", "24"},
	}
	if len(n.Fields) != len(want) {
		t.Fatalf("Fields = %v, want %v", n.Fields, want)
	}
	for i := range want {
		if n.Fields[i] != want[i] {
			t.Errorf("Fields[%d] = %v, want %v", i, n.Fields[i], want[i])
		}
	}
}

func TestModelInstalled_WithoutMetrics(t *testing.T) {
	n := ModelInstalled(domain.TrainResult{RecordCount: 60})
	if n.Message != "" || len(n.Fields) != 2 {
		t.Errorf("notification = %+v", n)
	}
}

func TestTrainingFailed(t *testing.T) {
	n := TrainingFailed(domain.TrainResult{Reason: "trainer exited 1", RecordCount: 70})
	if n.Type != NotifyError || n.Message != "trainer exited 1" {
		t.Errorf("notification = %+v", n)
	}
	if len(n.Fields) != 1 || n.Fields[0] != (Field{"Records", "70"}) {
		t.Errorf("Fields = %v", n.Fields)
	}
}

func TestLogNotifier_BuildContext(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	n.Send(Notification{
		Title:   "Build outgrew its tier",
		Type:    NotifyWarning,
		BuildID: "b42",
		Tier:    "executor",
		Fields:  []Field{{"Peak", "3.00 GB"}},
	})

	out := buf.String()
	for _, want := range []string{"level=WARN", "build_id=b42", "tier=executor", `Peak="3.00 GB"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}
