package retrain

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/logger"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandTrainer_PassesPaths(t *testing.T) {
	requireShell(t)
	script := writeScript(t, `
while [ $# -gt 0 ]; do
  case "$1" in
    --data-path) data="$2"; shift 2 ;;
    --model-path) dir="$2"; shift 2 ;;
    --output-metrics) metrics="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "training on $data"
cp "$data" "$dir/model.pkl"
echo '{"r2_score": 0.9, "mae": 0.5, "training_samples": 12, "test_samples": 3}' > "$metrics"
`)
	dir := t.TempDir()
	data := filepath.Join(dir, "training_data.csv")
	os.WriteFile(data, []byte("rows"), 0644)

	tr := &CommandTrainer{Command: []string{"sh", script}, Logger: logger.Discard()}
	req := TrainRequest{DataPath: data, ModelDir: dir, MetricsPath: filepath.Join(dir, "m.json")}
	if err := tr.Train(context.Background(), req); err != nil {
		t.Fatalf("Train: %v", err)
	}

	if got, _ := os.ReadFile(filepath.Join(dir, "model.pkl")); string(got) != "rows" {
		t.Errorf("model = %q", got)
	}
	if _, err := readMetrics(req.MetricsPath); err != nil {
		t.Errorf("metrics: %v", err)
	}
}

func TestCommandTrainer_FailureCarriesStderr(t *testing.T) {
	requireShell(t)
	script := writeScript(t, `echo "Not enough data for training" >&2; exit 1`)

	tr := &CommandTrainer{Command: []string{"sh", script}, Logger: logger.Discard()}
	err := tr.Train(context.Background(), TrainRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Not enough data") {
		t.Errorf("err = %v, want stderr tail", err)
	}
}

func TestCommandTrainer_Timeout(t *testing.T) {
	requireShell(t)
	script := writeScript(t, `exec sleep 5`)

	tr := &CommandTrainer{Command: []string{"sh", script}, Timeout: 50 * time.Millisecond, Logger: logger.Discard()}
	start := time.Now()
	err := tr.Train(context.Background(), TrainRequest{})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestCommandTrainer_NoCommand(t *testing.T) {
	if err := (&CommandTrainer{}).Train(context.Background(), TrainRequest{}); err == nil {
		t.Error("expected error without command")
	}
}
