package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
)

// CommandModel runs an external prediction program:
//
//	<command...> --input <features.json> --model <artifact>
//
// and decodes a JSON object from its stdout.
type CommandModel struct {
	Command []string
	Timeout time.Duration
	TempDir string
}

// commandOutput is the JSON document written by the prediction program
type commandOutput struct {
	CPU            float64  `json:"cpu"`
	MemoryGB       float64  `json:"memoryGb"`
	TimeMinutes    float64  `json:"timeMinutes"`
	Confidence     *float64 `json:"confidence"`
	Method         string   `json:"method"`
	Error          string   `json:"error"`
	FallbackReason string   `json:"fallback_reason"`
}

// rejectedMethods are non-model code paths of prediction programs
var rejectedMethods = map[string]bool{
	"heuristic": true,
	"error":     true,
	"fallback":  true,
}

// Predict implements Model
func (m *CommandModel) Predict(ctx context.Context, artifactPath string, fv domain.FeatureVector) (Output, error) {
	if len(m.Command) == 0 {
		return Output{}, fmt.Errorf("no prediction command configured")
	}
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(fv)
	if err != nil {
		return Output{}, fmt.Errorf("encoding features: %w", err)
	}
	inFile, err := os.CreateTemp(m.TempDir, "features-*.json")
	if err != nil {
		return Output{}, fmt.Errorf("creating input file: %w", err)
	}
	defer os.Remove(inFile.Name())
	if _, err := inFile.Write(input); err != nil {
		inFile.Close()
		return Output{}, fmt.Errorf("writing input file: %w", err)
	}
	if err := inFile.Close(); err != nil {
		return Output{}, fmt.Errorf("writing input file: %w", err)
	}

	args := append([]string{}, m.Command[1:]...)
	args = append(args, "--input", inFile.Name(), "--model", artifactPath)
	cmd := exec.CommandContext(ctx, m.Command[0], args...)
	cmd.WaitDelay = time.Second
	cmd.Dir = filepath.Dir(artifactPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Output{}, fmt.Errorf("%s: %s: %w", m.Command[0], strings.TrimSpace(stderr.String()), err)
	}

	return decodeOutput(stdout.Bytes())
}

// decodeOutput reads the last JSON line of the program output; earlier
// lines may be diagnostics.
func decodeOutput(raw []byte) (Output, error) {
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return Output{}, fmt.Errorf("prediction program produced no output")
	}

	var out commandOutput
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return Output{}, fmt.Errorf("decoding prediction: %w", err)
	}
	if out.Error != "" {
		return Output{}, fmt.Errorf("prediction program error: %s", out.Error)
	}
	if out.FallbackReason != "" {
		return Output{}, fmt.Errorf("prediction program fell back: %s", out.FallbackReason)
	}
	if rejectedMethods[out.Method] {
		return Output{}, fmt.Errorf("prediction method %q is not model-backed", out.Method)
	}

	return Output{
		CPUPercent:  out.CPU,
		MemoryGB:    out.MemoryGB,
		TimeMinutes: out.TimeMinutes,
		Confidence:  out.Confidence,
		Method:      out.Method,
	}, nil
}
