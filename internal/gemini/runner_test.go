package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCLI writes a shell script standing in for the Gemini CLI. The script
// appends the requested model to a log file and then runs body.
func fakeCLI(t *testing.T, body string) (command, logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	logPath = filepath.Join(dir, "models.log")
	script := fmt.Sprintf(`#!/bin/sh
model=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--model" ]; then model="$2"; fi
  shift
done
echo "$model" >> %q
%s
`, logPath, body)
	command = filepath.Join(dir, "gemini")
	if err := os.WriteFile(command, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return command, logPath
}

func readModels(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read models log: %v", err)
	}
	return strings.Fields(string(data))
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func newTestRunner(command string, cfg *Config) (*Runner, *sleepRecorder) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Command = command
	r := NewRunner(cfg)
	rec := &sleepRecorder{}
	r.sleep = rec.sleep
	return r, rec
}

func TestRunParsesUsageMetadata(t *testing.T) {
	command, _ := fakeCLI(t, `cat > /dev/null
echo "Loaded cached credentials."
printf '%s\n' '{"response":"{\"ok\":true}","usageMetadata":{"promptTokenCount":120,"candidatesTokenCount":30}}'`)

	r, _ := newTestRunner(command, nil)
	res, err := r.Run(context.Background(), "hello", Options{ModelType: ModelFlash})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Response != `{"ok":true}` {
		t.Errorf("Response = %q", res.Response)
	}
	if res.InputTokens != 120 || res.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d, want 120/30", res.InputTokens, res.OutputTokens)
	}
	if res.ModelUsed != "gemini-2.5-flash" {
		t.Errorf("ModelUsed = %q", res.ModelUsed)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestRunSumsStatsModels(t *testing.T) {
	command, _ := fakeCLI(t, `cat > /dev/null
echo '{"response":"done","stats":{"models":{"gemini-2.5-pro":{"tokens":{"prompt":100,"candidates":10}},"gemini-2.5-flash":{"tokens":{"prompt":50,"candidates":5}}}}}'`)

	r, _ := newTestRunner(command, nil)
	res, err := r.Run(context.Background(), "hello", Options{ModelType: ModelPro})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.InputTokens != 150 || res.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 150/15", res.InputTokens, res.OutputTokens)
	}
	if res.ModelUsed != "gemini-2.5-pro" {
		t.Errorf("ModelUsed = %q, want requested model", res.ModelUsed)
	}
}

func TestRunPassesPromptOnStdin(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "prompt.txt")
	command, _ := fakeCLI(t, fmt.Sprintf(`cat > %q
echo '{"response":"ok"}'`, promptPath))

	r, _ := newTestRunner(command, nil)
	prompt := "multi\nline prompt with 'quotes' and $VARS"
	if _, err := r.Run(context.Background(), prompt, Options{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, err := os.ReadFile(promptPath)
	if err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if string(got) != prompt {
		t.Errorf("stdin = %q, want %q", got, prompt)
	}
}

func TestRunQuotaRetriesThenFallsBack(t *testing.T) {
	command, logPath := fakeCLI(t, `cat > /dev/null
case "$model" in
  gemini-2.5-pro) echo "Error 429: Quota exceeded, quota will reset after 7s." >&2; exit 1;;
  *) echo '{"response":"ok"}';;
esac`)

	r, rec := newTestRunner(command, nil)
	res, err := r.Run(context.Background(), "p", Options{ModelType: ModelPro})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ModelUsed != "gemini-2.5-flash" {
		t.Errorf("ModelUsed = %q, want fallback model", res.ModelUsed)
	}

	models := readModels(t, logPath)
	want := []string{"gemini-2.5-pro", "gemini-2.5-pro", "gemini-2.5-pro", "gemini-2.5-flash"}
	if strings.Join(models, ",") != strings.Join(want, ",") {
		t.Errorf("models = %v, want %v", models, want)
	}
	if res.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", res.Attempts)
	}

	if len(rec.waits) != 2 {
		t.Fatalf("waits = %v, want 2 backoffs", rec.waits)
	}
	for _, w := range rec.waits {
		if w != 9*time.Second {
			t.Errorf("wait = %v, want hint plus margin (9s)", w)
		}
	}
}

func TestRunQuotaBackoffWithoutHint(t *testing.T) {
	command, _ := fakeCLI(t, `cat > /dev/null
echo "429 Too Many Requests"
exit 1`)

	r, rec := newTestRunner(command, &Config{RetryMargin: time.Second})
	_, err := r.Run(context.Background(), "p", Options{ModelType: "gemini-test"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("error = %v, want ErrQuotaExceeded", err)
	}
	want := []time.Duration{11 * time.Second, 21 * time.Second}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestRunNonQuotaFailureSkipsRetries(t *testing.T) {
	command, logPath := fakeCLI(t, `cat > /dev/null
if [ "$model" = "gemini-2.5-flash" ]; then echo "boom" >&2; exit 2; fi
echo '{"response":"lite"}'`)

	r, rec := newTestRunner(command, nil)
	res, err := r.Run(context.Background(), "p", Options{ModelType: ModelFlash})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Response != "lite" {
		t.Errorf("Response = %q", res.Response)
	}
	if got := readModels(t, logPath); len(got) != 2 {
		t.Errorf("models = %v, want one attempt per model", got)
	}
	if len(rec.waits) != 0 {
		t.Errorf("waits = %v, want none", rec.waits)
	}
}

func TestRunAllModelsFail(t *testing.T) {
	command, _ := fakeCLI(t, `cat > /dev/null
echo "fatal" >&2
exit 3`)

	r, _ := newTestRunner(command, nil)
	_, err := r.Run(context.Background(), "p", Options{ModelType: ModelFlash})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrProcessFailed) {
		t.Errorf("error = %v, want ErrProcessFailed", err)
	}
	var cliErr *CLIError
	if !errors.As(err, &cliErr) {
		t.Fatalf("error = %T, want *CLIError in chain", err)
	}
	if cliErr.ExitCode != 3 || cliErr.Model != "gemini-2.5-flash-lite" {
		t.Errorf("CLIError = %+v", cliErr)
	}
}

func TestRunMalformedOutput(t *testing.T) {
	command, _ := fakeCLI(t, `cat > /dev/null
echo "no json here"`)

	r, _ := newTestRunner(command, nil)
	_, err := r.Run(context.Background(), "p", Options{ModelType: "gemini-test"})
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("error = %v, want ErrNoJSON", err)
	}
}

func TestRunTimeout(t *testing.T) {
	command, _ := fakeCLI(t, `exec sleep 10`)

	r, _ := newTestRunner(command, &Config{Timeout: 200 * time.Millisecond})
	start := time.Now()
	_, err := r.Run(context.Background(), "p", Options{ModelType: "gemini-test"})
	if !errors.Is(err, ErrNonResponsive) {
		t.Fatalf("error = %v, want ErrNonResponsive", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v, want prompt kill", elapsed)
	}
}

func TestRunStreamsOutput(t *testing.T) {
	command, _ := fakeCLI(t, `cat > /dev/null
echo "line one"
echo '{"response":"ok"}'`)

	var lines []string
	r, _ := newTestRunner(command, nil)
	_, err := r.Run(context.Background(), "p", Options{OnOutput: func(l string) { lines = append(lines, l) }})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(lines) != 2 || lines[0] != "line one" {
		t.Errorf("lines = %v", lines)
	}
}

func TestBuildArgs(t *testing.T) {
	r := NewRunner(nil)

	yolo := strings.Join(r.buildArgs("gemini-2.5-pro", Options{Yolo: true, ApprovalMode: "auto_edit"}), " ")
	want := "@google/gemini-cli --prompt - --yolo --extensions none --model gemini-2.5-pro --output-format json"
	if yolo != want {
		t.Errorf("yolo args = %q, want %q", yolo, want)
	}

	approval := strings.Join(r.buildArgs("gemini-2.5-flash", Options{ApprovalMode: "auto_edit"}), " ")
	if !strings.Contains(approval, "--approval-mode auto_edit") || strings.Contains(approval, "--yolo") {
		t.Errorf("approval args = %q", approval)
	}
}
