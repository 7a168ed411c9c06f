package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
)

// DeveloperConfig holds developer settings
type DeveloperConfig struct {
	// ModelType is used when the issue carries no triaged model.
	ModelType string
	// ApprovalMode replaces --yolo when set.
	ApprovalMode string
	// OnOutput receives the CLI's stdout line by line.
	OnOutput func(line string)
}

// Developer implements an issue by running the CLI with tool use enabled
// in the working tree.
type Developer struct {
	config  DeveloperConfig
	exec    gemini.Executor
	budget  *budget.Enforcer
	tracker UsageTracker
	log     *slog.Logger
}

// NewDeveloper creates a developer. enforcer and tracker are optional.
func NewDeveloper(config DeveloperConfig, exec gemini.Executor, enforcer *budget.Enforcer, tracker UsageTracker) *Developer {
	if config.ModelType == "" {
		config.ModelType = gemini.ModelFlash
	}
	return &Developer{
		config:  config,
		exec:    exec,
		budget:  enforcer,
		tracker: tracker,
		log:     logging.WithComponent("agents.developer"),
	}
}

// ModelFor picks the model class: the issue's triaged Model field when
// set, otherwise the configured default.
func (d *Developer) ModelFor(issue Issue) string {
	if m := strings.TrimSpace(issue.Model); m != "" {
		return m
	}
	return d.config.ModelType
}

// BuildDevelopPrompt renders the implementation prompt. feedback carries
// verification failures of a previous attempt.
func BuildDevelopPrompt(issue Issue, methodology string, files []string, feedback string) string {
	var b strings.Builder
	b.WriteString("You are a senior developer working directly in this repository. Implement the following GitHub issue.\n\n")
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n\n", issue.Number, issue.Title, issue.Body)
	if methodology != "" {
		b.WriteString("## Plan\n\n")
		b.WriteString(methodology)
		b.WriteString("\n\n")
	}
	if len(files) > 0 {
		b.WriteString("## Files to change\n\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if feedback != "" {
		b.WriteString(feedback)
		b.WriteString("\n")
	}
	b.WriteString("Make the changes, keep the existing tests passing and add tests for new behavior. ")
	b.WriteString("When finished, respond with JSON: {\"summary\": \"<what you changed>\"}\n")
	return b.String()
}

// DevelopResult is the outcome of a development run.
type DevelopResult struct {
	Summary string
	Result  *gemini.Result
}

// Develop runs the developer for issue with the given plan.
func (d *Developer) Develop(ctx context.Context, issue Issue, methodology string, files []string, feedback string) (*DevelopResult, error) {
	model := d.ModelFor(issue)
	log := logging.Scoped(ctx, d.log).With(slog.Int("issue", issue.Number), slog.String("model_type", model))
	log.Info("Starting development")

	opts := gemini.Options{
		ModelType:    model,
		Yolo:         d.config.ApprovalMode == "",
		ApprovalMode: d.config.ApprovalMode,
		Operation:    "development",
		OnOutput:     d.config.OnOutput,
	}
	res, err := d.exec.Run(ctx, BuildDevelopPrompt(issue, methodology, files, feedback), opts)
	if err != nil {
		return nil, fmt.Errorf("development call: %w", err)
	}
	trackResult(ctx, d.tracker, log, issue.Number, "development", res)
	if err := d.budget.Check(budget.StageDeveloper, res.InputTokens, res.OutputTokens); err != nil {
		return nil, err
	}

	out := &DevelopResult{Result: res}
	var summary struct {
		Summary string `json:"summary"`
	}
	if err := gemini.UnmarshalResponse(res.Response, &summary); err == nil && summary.Summary != "" {
		out.Summary = summary.Summary
	} else {
		out.Summary = strings.TrimSpace(res.Response)
	}

	log.Info("Development finished",
		slog.String("model", res.ModelUsed),
		slog.Int64("input_tokens", res.InputTokens),
		slog.Int64("output_tokens", res.OutputTokens),
	)
	return out, nil
}
