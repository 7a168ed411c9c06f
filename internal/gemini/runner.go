package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/agentflow/internal/logging"
)

// GracePeriod is how long a cancelled subprocess gets before SIGKILL.
const GracePeriod = 5 * time.Second

// Executor runs a prompt and returns the parsed CLI result.
type Executor interface {
	Run(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// Options control a single prompt execution.
type Options struct {
	// ModelType is a model class (pro, flash, flash-lite) or a concrete model.
	ModelType string

	// Yolo auto-approves every tool call the CLI wants to make.
	Yolo bool

	// ApprovalMode is passed as --approval-mode when Yolo is false.
	ApprovalMode string

	// Operation labels the run in logs (e.g. "triage", "planning").
	Operation string

	// OnOutput receives each stdout line as it arrives.
	OnOutput func(line string)
}

// Result is the outcome of a successful CLI run.
type Result struct {
	Response     string
	Raw          json.RawMessage
	InputTokens  int64
	OutputTokens int64
	ModelUsed    string
	Attempts     int
	Duration     time.Duration
}

// Runner spawns the Gemini CLI.
type Runner struct {
	config *Config
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner. A nil config uses DefaultConfig.
func NewRunner(config *Config) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	return &Runner{
		config: config.withDefaults(),
		log:    logging.WithComponent("gemini"),
		sleep:  sleepContext,
	}
}

// Run executes the prompt, walking the fallback chain for opts.ModelType.
// Quota errors are retried on the same model with backoff; any other failure
// moves on to the next model.
func (r *Runner) Run(ctx context.Context, prompt string, opts Options) (*Result, error) {
	log := logging.Scoped(ctx, r.log)
	models := r.config.ModelChain(opts.ModelType)
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoModels, opts.ModelType)
	}

	var lastErr error
	attempts := 0
	for i, model := range models {
		if i > 0 {
			log.Warn("Falling back to next model",
				slog.String("model", model),
				slog.String("previous", models[i-1]),
				slog.Any("error", lastErr),
			)
		}

		for attempt := 1; attempt <= r.config.QuotaAttempts; attempt++ {
			attempts++
			res, err := r.runOnce(ctx, prompt, model, opts)
			if err == nil {
				res.Attempts = attempts
				return res, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			var cliErr *CLIError
			if !errors.As(err, &cliErr) || cliErr.Kind != KindQuota || attempt == r.config.QuotaAttempts {
				break
			}

			wait := quotaBackoff(cliErr.Output, attempt, r.config.RetryMargin)
			log.Warn("Quota exceeded, backing off",
				slog.String("model", model),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
			)
			if err := r.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("all models failed (%s): %w", strings.Join(models, ", "), lastErr)
}

func (r *Runner) buildArgs(model string, opts Options) []string {
	args := append([]string{}, r.config.Args...)
	args = append(args, "--prompt", "-")
	if opts.Yolo {
		args = append(args, "--yolo")
	} else if opts.ApprovalMode != "" {
		args = append(args, "--approval-mode", opts.ApprovalMode)
	}
	return append(args,
		"--extensions", "none",
		"--model", model,
		"--output-format", "json",
	)
}

func (r *Runner) runOnce(ctx context.Context, prompt, model string, opts Options) (*Result, error) {
	log := logging.Scoped(ctx, r.log)
	runCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.config.Command, r.buildArgs(model, opts)...)
	cmd.Dir = r.config.WorkDir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = GracePeriod
	if r.config.APIKey != "" {
		cmd.Env = append(os.Environ(), "GEMINI_API_KEY="+r.config.APIKey)
	}

	stdout := &lineWriter{onLine: opts.OnOutput}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	log.Debug("Starting Gemini CLI",
		slog.String("operation", opts.Operation),
		slog.String("command", r.config.Command),
		slog.String("model", model),
		slog.Int("prompt_chars", len(prompt)),
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	output := stdout.String()
	combined := output
	if stderr.Len() > 0 {
		combined += "\n" + stderr.String()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Error("Gemini CLI timed out", slog.String("model", model), slog.Duration("timeout", r.config.Timeout))
		return nil, &CLIError{Kind: KindTimeout, Model: model, ExitCode: -1, Output: combined, Err: ErrNonResponsive}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &CLIError{Kind: KindProcess, Model: model, ExitCode: -1, Output: err.Error(), Err: fmt.Errorf("%w: %v", ErrProcessFailed, err)}
		}
		// A signal-terminated process has no exit code; whatever it printed is used.
		if code := exitErr.ExitCode(); code != -1 {
			if IsQuotaError(combined) {
				return nil, &CLIError{Kind: KindQuota, Model: model, ExitCode: code, Output: combined, Err: ErrQuotaExceeded}
			}
			return nil, &CLIError{Kind: KindProcess, Model: model, ExitCode: code, Output: combined, Err: ErrProcessFailed}
		}
	}

	res, perr := parseCLIOutput(output, model)
	if perr != nil {
		kind := KindMalformed
		if errors.Is(perr, ErrQuotaExceeded) {
			kind = KindQuota
		}
		return nil, &CLIError{Kind: kind, Model: model, Output: combined, Err: perr}
	}
	res.Duration = elapsed

	log.Info("Gemini CLI completed",
		slog.String("operation", opts.Operation),
		slog.String("model", res.ModelUsed),
		slog.Int64("input_tokens", res.InputTokens),
		slog.Int64("output_tokens", res.OutputTokens),
		slog.Duration("duration", elapsed),
	)
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lineWriter buffers everything written and reports complete lines.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	pending []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.onLine(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
