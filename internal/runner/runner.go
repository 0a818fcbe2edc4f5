// Package runner executes the measured build command.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// OutputTail is the number of trailing bytes of each stream kept in a Result
const OutputTail = 64 * 1024

// Job is a build command to run. When Args is set it is executed directly
// and Command is ignored; otherwise Command runs through the shell.
type Job struct {
	ID      string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// String renders the job's command line for logs
func (j Job) String() string {
	if len(j.Args) > 0 {
		return strings.Join(j.Args, " ")
	}
	return j.Command
}

// Result is the outcome of a finished job
type Result struct {
	JobID    string
	ExitCode int
	Status   domain.BuildStatus
	Duration time.Duration
	// Stdout and Stderr hold at most the last OutputTail bytes; the full
	// stream is only delivered through the OutputCallback.
	Stdout string
	Stderr string
}

// OutputCallback is called for each line of output
type OutputCallback func(stream, line string)

// Runner runs jobs either directly or through sh -c
type Runner struct {
	shell  string
	tail   int
	logger *slog.Logger
}

// New creates a runner. An empty shell means sh.
func New(shell string, l *slog.Logger) *Runner {
	if shell == "" {
		shell = "sh"
	}
	return &Runner{shell: shell, tail: OutputTail, logger: logger.Component(l, "runner")}
}

// Run executes job and waits for it. A non-zero exit is not an error; it
// is reported as a FAILURE status. Errors mean the command could not run.
func (r *Runner) Run(ctx context.Context, job Job, onOutput OutputCallback) (*Result, error) {
	if len(job.Args) == 0 && strings.TrimSpace(job.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	r.logger.Debug("starting job", "job_id", job.ID, "command", job.String(), "dir", job.Dir)

	var cmd *exec.Cmd
	if len(job.Args) > 0 {
		cmd = exec.CommandContext(ctx, job.Args[0], job.Args[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, r.shell, "-c", job.Command)
	}
	cmd.Dir = job.Dir
	cmd.WaitDelay = 5 * time.Second

	cmd.Env = os.Environ()
	for k, v := range job.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	r.logger.Debug("command started", "job_id", job.ID, "pid", cmd.Process.Pid)

	stdoutBuf, stderrBuf := newTailBuffer(r.tail), newTailBuffer(r.tail)
	var mu sync.Mutex // serializes callbacks across streams
	var g errgroup.Group
	g.Go(func() error { return streamOutput(stdout, "stdout", stdoutBuf, &mu, onOutput) })
	g.Go(func() error { return streamOutput(stderr, "stderr", stderrBuf, &mu, onOutput) })
	streamErr := g.Wait()

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return nil, fmt.Errorf("command timed out after %v", job.Timeout)
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("command failed: %w", err)
		}
	}
	if streamErr != nil {
		r.logger.Warn("reading command output", "job_id", job.ID, "error", streamErr)
	}

	result := &Result{
		JobID:    job.ID,
		ExitCode: exitCode,
		Status:   StatusForExit(exitCode),
		Duration: time.Since(start),
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}
	r.logger.Info("job finished", "job_id", job.ID, "exit_code", exitCode, "duration", result.Duration)
	return result, nil
}

// StatusForExit maps a process exit code onto a build status
func StatusForExit(code int) domain.BuildStatus {
	switch {
	case code == 0:
		return domain.StatusSuccess
	case code > 0:
		return domain.StatusFailure
	default:
		// Killed by a signal
		return domain.StatusUnknown
	}
}

func streamOutput(rd io.Reader, stream string, output *tailBuffer, mu *sync.Mutex, callback OutputCallback) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line + "\n")
		if callback != nil {
			mu.Lock()
			callback(stream, line)
			mu.Unlock()
		}
	}
	return scanner.Err()
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) WriteString(s string) {
	if len(s) >= b.max {
		b.buf = append(b.buf[:0], s[len(s)-b.max:]...)
		return
	}
	if over := len(b.buf) + len(s) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, s...)
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
