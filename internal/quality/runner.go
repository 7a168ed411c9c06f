package quality

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/agentflow/internal/logging"
)

// ProgressCallback reports gate execution progress.
type ProgressCallback func(gateName string, status GateStatus, message string)

// Runner executes verification gates.
type Runner struct {
	config     *Config
	workDir    string
	log        *slog.Logger
	onProgress ProgressCallback
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a gate runner. An empty workDir falls back to the
// configured one, then to the current directory.
func NewRunner(config *Config, workDir string) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	if workDir == "" {
		workDir = config.WorkDir
	}
	return &Runner{
		config:  config,
		workDir: workDir,
		log:     logging.WithComponent("quality"),
		sleep:   sleepContext,
	}
}

// OnProgress sets the progress callback.
func (r *Runner) OnProgress(callback ProgressCallback) {
	r.onProgress = callback
}

// RunAll executes every gate, sequentially unless the config says parallel.
// AllPassed is false when any required gate failed.
func (r *Runner) RunAll(ctx context.Context, issue int) (*CheckResults, error) {
	results := &CheckResults{
		Issue:     issue,
		StartedAt: time.Now(),
		Results:   make([]*Result, 0, len(r.config.Gates)),
	}
	if !r.config.Enabled || len(r.config.Gates) == 0 {
		logging.Scoped(ctx, r.log).Debug("Verification gates disabled, skipping")
		results.AllPassed = true
		results.CompletedAt = results.StartedAt
		return results, nil
	}

	log := logging.Scoped(ctx, r.log).With(slog.Int("issue", issue))
	log.Info("Starting verification",
		slog.Int("gate_count", len(r.config.Gates)),
		slog.Bool("parallel", r.config.Parallel),
	)

	results.Results = results.Results[:len(r.config.Gates)]
	if r.config.Parallel {
		var wg sync.WaitGroup
		for i, gate := range r.config.Gates {
			wg.Add(1)
			go func(idx int, g *Gate) {
				defer wg.Done()
				results.Results[idx] = r.runGate(ctx, g)
			}(i, gate)
		}
		wg.Wait()
	} else {
		for i, gate := range r.config.Gates {
			results.Results[i] = r.runGate(ctx, gate)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results.AllPassed = true
	for _, res := range results.Results {
		if res.Status == StatusFailed && res.Required {
			results.AllPassed = false
			log.Warn("Required verification gate failed",
				slog.String("gate", res.GateName),
				slog.String("error", res.Error),
			)
		}
	}

	results.CompletedAt = time.Now()
	results.TotalTime = results.CompletedAt.Sub(results.StartedAt)
	log.Info("Verification completed",
		slog.Bool("all_passed", results.AllPassed),
		slog.Duration("total_time", results.TotalTime),
	)
	return results, nil
}

// RunGate executes a single named gate.
func (r *Runner) RunGate(ctx context.Context, name string) (*Result, error) {
	gate := r.config.Gate(name)
	if gate == nil {
		return nil, fmt.Errorf("%w: %s", ErrGateNotFound, name)
	}
	return r.runGate(ctx, gate), nil
}

func (r *Runner) runGate(ctx context.Context, gate *Gate) *Result {
	result := &Result{
		GateName:  gate.Name,
		Status:    StatusRunning,
		Required:  gate.Required,
		StartedAt: time.Now(),
	}
	r.reportProgress(gate.Name, StatusRunning, fmt.Sprintf("Running %s gate...", gate.Name))

	attempts := gate.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			result.RetryCount = attempt
			r.reportProgress(gate.Name, StatusRetrying, fmt.Sprintf("Retrying %s (attempt %d/%d)...", gate.Name, attempt+1, attempts))
			if err := r.sleep(ctx, gate.RetryDelay); err != nil {
				result.Error = "context cancelled during retry delay"
				break
			}
		}

		exitCode, output, err := r.execute(ctx, gate)
		result.ExitCode = exitCode
		result.Output = output

		switch {
		case err == nil && exitCode == 0:
			result.Status = StatusPassed
			result.Error = ""
		case errors.Is(err, ErrGateTimeout):
			result.Error = fmt.Sprintf("timed out after %s", gate.timeout())
		case err != nil:
			result.Error = err.Error()
		default:
			result.Error = fmt.Sprintf("command exited with code %d", exitCode)
		}
		if result.Status == StatusPassed || ctx.Err() != nil {
			break
		}
	}

	if result.Status != StatusPassed {
		result.Status = StatusFailed
		result.Hint = gate.FailureHint
		r.reportProgress(gate.Name, StatusFailed, fmt.Sprintf("%s gate failed: %s", gate.Name, result.Error))
	} else {
		r.reportProgress(gate.Name, StatusPassed, fmt.Sprintf("%s gate passed", gate.Name))
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result
}

func (r *Runner) execute(ctx context.Context, gate *Gate) (int, string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, gate.timeout())
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", gate.Command)
	cmd.Dir = r.workDir
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logging.Scoped(ctx, r.log).Debug("Executing gate command",
		slog.String("gate", gate.Name),
		slog.String("command", gate.Command),
	)
	err := cmd.Run()

	if cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return -1, out.String(), ErrGateTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out.String(), nil
		}
		return -1, out.String(), err
	}
	return 0, out.String(), nil
}

func (r *Runner) reportProgress(gateName string, status GateStatus, message string) {
	r.log.Debug("Gate progress",
		slog.String("gate", gateName),
		slog.String("status", string(status)),
		slog.String("message", message),
	)
	if r.onProgress != nil {
		r.onProgress(gateName, status, message)
	}
}

// FormatErrorFeedback renders failed gates as a markdown comment that
// also serves as retry context for the developer agent.
func FormatErrorFeedback(results *CheckResults) string {
	var sb strings.Builder

	sb.WriteString("## ❌ Verification Failed\n\n")
	sb.WriteString("The following verification gates failed. The task has been paused.\n\n")

	for _, result := range results.FailedGates() {
		label := "FAILED"
		if !result.Required {
			label = "FAILED, optional"
		}
		fmt.Fprintf(&sb, "### %s (%s)\n\n", result.GateName, label)
		if result.Error != "" {
			fmt.Fprintf(&sb, "%s\n\n", result.Error)
		}
		if result.Hint != "" {
			fmt.Fprintf(&sb, "**Hint:** %s\n\n", result.Hint)
		}

		output := result.Output
		if len(output) > maxFeedbackOutput {
			output = output[len(output)-maxFeedbackOutput:]
			output = "... (truncated)\n" + output
		}
		sb.WriteString("```\n")
		sb.WriteString(strings.TrimRight(output, "\n"))
		sb.WriteString("\n```\n\n")
	}

	return sb.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
