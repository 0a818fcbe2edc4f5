package retrain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// CommandTrainer runs an external training program:
//
//	<command...> --data-path <csv> --model-path <dir> --output-metrics <json>
type CommandTrainer struct {
	Command []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Train implements Trainer
func (t *CommandTrainer) Train(ctx context.Context, req TrainRequest) error {
	if len(t.Command) == 0 {
		return fmt.Errorf("no training command configured")
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := append([]string{}, t.Command[1:]...)
	args = append(args,
		"--data-path", req.DataPath,
		"--model-path", req.ModelDir,
		"--output-metrics", req.MetricsPath,
	)
	cmd := exec.CommandContext(ctx, t.Command[0], args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	log := logger.Component(t.Logger, "trainer")
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		log.Debug(scanner.Text())
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %v", t.Command[0], t.Timeout)
		}
		return fmt.Errorf("%s: %w: %s", t.Command[0], err, lastLine(stderr.String()))
	}
	return nil
}

// lastLine returns the final non-empty line of s
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
