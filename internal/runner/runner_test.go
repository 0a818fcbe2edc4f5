package runner

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunner_Success(t *testing.T) {
	requireShell(t)
	r := New("", logger.Discard())

	var mu sync.Mutex
	var lines []string
	result, err := r.Run(context.Background(), Job{
		ID:      "b1",
		Command: `echo "building $TARGET"; echo warn >&2`,
		Env:     map[string]string{"TARGET": "app"},
	}, func(stream, line string) {
		mu.Lock()
		lines = append(lines, stream+":"+line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.ExitCode != 0 || result.Status != domain.StatusSuccess {
		t.Errorf("exit/status = %d/%s, want 0/SUCCESS", result.ExitCode, result.Status)
	}
	if result.Stdout != "building app\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if result.Stderr != "warn\n" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
	if len(lines) != 2 {
		t.Errorf("callback lines = %v, want 2", lines)
	}
}

func TestRunner_NonZeroExitIsFailure(t *testing.T) {
	requireShell(t)
	result, err := New("", logger.Discard()).Run(context.Background(), Job{ID: "b2", Command: "exit 3"}, nil)
	if err != nil {
		t.Fatalf("non-zero exit returned error: %v", err)
	}
	if result.ExitCode != 3 || result.Status != domain.StatusFailure {
		t.Errorf("exit/status = %d/%s, want 3/FAILURE", result.ExitCode, result.Status)
	}
}

func TestRunner_Dir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	result, err := New("", logger.Discard()).Run(context.Background(), Job{Command: "pwd", Dir: dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got := strings.TrimSpace(result.Stdout); got != dir && got != want {
		t.Errorf("pwd = %q, want %s", result.Stdout, dir)
	}
}

func TestRunner_Timeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	_, err := New("", logger.Discard()).Run(context.Background(), Job{Command: "exec sleep 5", Timeout: 50 * time.Millisecond}, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestRunner_ArgsKeepSpacesAndMetacharacters(t *testing.T) {
	if _, err := exec.LookPath("printf"); err != nil {
		t.Skip("printf not available")
	}
	result, err := New("", logger.Discard()).Run(context.Background(), Job{
		ID:   "b3",
		Args: []string{"printf", "[%s]\\n", "a b", "$HOME;x"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.StatusSuccess {
		t.Fatalf("status = %s, stderr = %q", result.Status, result.Stderr)
	}
	if result.Stdout != "[a b]\n[$HOME;x]\n" {
		t.Errorf("Stdout = %q, want each argument intact", result.Stdout)
	}
}

func TestRunner_MissingBinaryIsError(t *testing.T) {
	_, err := New("", logger.Discard()).Run(context.Background(), Job{Args: []string{"/nonexistent/build-tool"}}, nil)
	if err == nil {
		t.Error("expected error for missing executable")
	}
}

func TestRunner_KeepsOutputTail(t *testing.T) {
	requireShell(t)
	r := New("", logger.Discard())
	r.tail = 16

	var lines int
	result, err := r.Run(context.Background(), Job{
		Command: "i=0; while [ $i -lt 100 ]; do echo line$i; i=$((i+1)); done",
	}, func(stream, line string) { lines++ })
	if err != nil {
		t.Fatal(err)
	}
	if lines != 100 {
		t.Errorf("callback lines = %d, want 100", lines)
	}
	if len(result.Stdout) > 16 {
		t.Errorf("Stdout has %d bytes, want at most 16", len(result.Stdout))
	}
	if !strings.HasSuffix(result.Stdout, "line99\n") {
		t.Errorf("Stdout = %q, want the last lines", result.Stdout)
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	b.WriteString("abc")
	b.WriteString("def")
	if b.String() != "bcdef" {
		t.Errorf("tail = %q, want bcdef", b.String())
	}
	b.WriteString("0123456789")
	if b.String() != "56789" {
		t.Errorf("tail = %q, want 56789", b.String())
	}
}

func TestJob_String(t *testing.T) {
	if got := (Job{Args: []string{"make", "-j", "4"}}).String(); got != "make -j 4" {
		t.Errorf("String = %q", got)
	}
	if got := (Job{Command: "make all"}).String(); got != "make all" {
		t.Errorf("String = %q", got)
	}
}

func TestRunner_EmptyCommand(t *testing.T) {
	if _, err := New("", logger.Discard()).Run(context.Background(), Job{Command: "  "}, nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestStatusForExit(t *testing.T) {
	tests := []struct {
		code int
		want domain.BuildStatus
	}{
		{0, domain.StatusSuccess},
		{1, domain.StatusFailure},
		{137, domain.StatusFailure},
		{-1, domain.StatusUnknown},
	}
	for _, tt := range tests {
		if got := StatusForExit(tt.code); got != tt.want {
			t.Errorf("StatusForExit(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}
