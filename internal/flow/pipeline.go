// Package flow runs the agent pipeline end to end: triage, orchestration,
// planning, development, verification and cost sync.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/agents"
	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/orchestrator"
	"github.com/alekspetrov/agentflow/internal/quality"
	"github.com/alekspetrov/agentflow/internal/triage"
	"github.com/alekspetrov/agentflow/internal/usage"
)

// ErrMissingIssue is returned when orchestration is skipped and no issue
// was given.
var ErrMissingIssue = errors.New("issue number is required when orchestration is skipped")

// Stage names.
const (
	StageTriage        = "triage"
	StageOrchestration = "orchestration"
	StageStart         = "start"
	StagePlanning      = "planning"
	StageDevelop       = "develop"
	StageVerification  = "verification"
	StageSync          = "sync"
)

// Stage outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Triager runs triage.
type Triager interface {
	Run(ctx context.Context, opts triage.Options) (*triage.Report, error)
}

// Selector picks and starts the next task.
type Selector interface {
	Run(ctx context.Context) (*orchestrator.Task, error)
}

// Planner plans an issue.
type Planner interface {
	Plan(ctx context.Context, issue agents.Issue) (*agents.Plan, error)
}

// Developer implements an issue.
type Developer interface {
	Develop(ctx context.Context, issue agents.Issue, methodology string, files []string, feedback string) (*agents.DevelopResult, error)
}

// Verifier runs the verification gates.
type Verifier interface {
	RunAll(ctx context.Context, issue int) (*quality.CheckResults, error)
}

// CostSyncer re-mirrors comment totals into the Cost field.
type CostSyncer interface {
	SyncCosts(ctx context.Context, items []github.ProjectItem) (usage.SyncReport, error)
}

// Board is the project board surface the pipeline needs.
type Board interface {
	Items(ctx context.Context) ([]github.ProjectItem, error)
	EnsureItem(ctx context.Context, number int) (string, error)
	SetStatus(ctx context.Context, itemID, status string) error
}

// Issues reads issue details.
type Issues interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
}

// Notifier posts lifecycle comments.
type Notifier interface {
	NotifyTaskStarted(ctx context.Context, issue int, runID string, remote bool) error
	NotifyTaskCompleted(ctx context.Context, issue int, summary string) error
	NotifyTaskPaused(ctx context.Context, issue int, reason string) error
}

// Deps are the stage implementations. Stages whose dependency is nil are
// skipped.
type Deps struct {
	Triage       Triager
	Orchestrator Selector
	Planner      Planner
	Developer    Developer
	Verifier     Verifier
	Syncer       CostSyncer
	Board        Board
	Issues       Issues
	Notifier     Notifier
	Budget       *budget.Enforcer
}

// Config holds pipeline settings
type Config struct {
	Owner string
	Repo  string
	// FixAttempts is how many times development is re-run with
	// verification feedback before the task is paused.
	FixAttempts int
}

// Options are the per-run flags.
type Options struct {
	Issue             int
	SkipTriage        bool
	SkipOrchestration bool
	SkipPlanning      bool
	SkipDevelop       bool
	SkipVerification  bool
	SkipSync          bool

	// Methodology and Files stand in for the plan when planning is skipped.
	Methodology string
	Files       []string
}

// StageResult records one stage of a run.
type StageResult struct {
	Name     string
	Outcome  string
	Detail   string
	Duration time.Duration
	Err      error
}

// Summary is the outcome of a pipeline run.
type Summary struct {
	RunID        string
	Issue        int
	Stages       []StageResult
	Task         *orchestrator.Task
	Plan         *agents.Plan
	Verification *quality.CheckResults
	FinalStatus  string
	Dispatched   bool
}

// Stage returns the result of a named stage.
func (s *Summary) Stage(name string) (StageResult, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageResult{}, false
}

// Pipeline runs the stages in order.
type Pipeline struct {
	config Config
	deps   Deps
	log    *slog.Logger
}

// New creates a pipeline.
func New(config Config, deps Deps) *Pipeline {
	return &Pipeline{
		config: config,
		deps:   deps,
		log:    logging.WithComponent("flow"),
	}
}

// run tracks a stage and its timing.
type run struct {
	p       *Pipeline
	ctx     context.Context
	summary *Summary
	log     *slog.Logger
}

func (r *run) stage(name string, fn func(ctx context.Context) (string, error)) error {
	start := time.Now()
	ctx := logging.ContextWithStage(r.ctx, name)
	r.log.Info("Stage started", slog.String("stage", name))

	detail, err := fn(ctx)
	res := StageResult{Name: name, Outcome: OutcomeOK, Detail: detail, Duration: time.Since(start), Err: err}
	if err != nil {
		res.Outcome = OutcomeFailed
		r.log.Error("Stage failed", slog.String("stage", name), slog.Any("error", err))
	} else {
		r.log.Info("Stage completed", slog.String("stage", name), slog.String("detail", detail), slog.Duration("duration", res.Duration))
	}
	r.summary.Stages = append(r.summary.Stages, res)
	return err
}

func (r *run) skip(name, reason string) {
	r.log.Info("Stage skipped", slog.String("stage", name), slog.String("reason", reason))
	r.summary.Stages = append(r.summary.Stages, StageResult{Name: name, Outcome: OutcomeSkipped, Detail: reason})
}

// Run executes the pipeline. The summary is returned even when err is set.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.SkipOrchestration && opts.Issue <= 0 {
		return nil, ErrMissingIssue
	}

	summary := &Summary{RunID: uuid.NewString(), Issue: opts.Issue}
	ctx = logging.ContextWithRunID(ctx, summary.RunID)
	r := &run{p: p, ctx: ctx, summary: summary, log: logging.Scoped(ctx, p.log)}
	r.log.Info("Agent flow started", slog.Int("issue", opts.Issue))

	if err := p.deps.Budget.CheckDaily(ctx); err != nil {
		return summary, err
	}

	p.runTriage(r, opts)

	item, err := p.runOrchestration(r, opts)
	if err != nil || item == nil {
		if errors.Is(err, orchestrator.ErrNoCandidates) {
			return summary, nil
		}
		return summary, err
	}
	summary.Issue = item.Number
	r.ctx = logging.ContextWithIssue(r.ctx, item.Number)
	r.log = logging.Scoped(r.ctx, p.log)

	if summary.Dispatched {
		r.skip(StagePlanning, "dispatched to remote workflow")
		r.skip(StageDevelop, "dispatched to remote workflow")
		r.skip(StageVerification, "dispatched to remote workflow")
		p.runSync(r, opts)
		return summary, nil
	}

	issue, err := p.loadIssue(r.ctx, *item)
	if err != nil {
		return summary, err
	}
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyTaskStarted(r.ctx, issue.Number, summary.RunID, false); err != nil {
			r.log.Warn("Failed to post start comment", slog.Any("error", err))
		}
	}

	if err := p.work(r, opts, issue); err != nil {
		p.runSync(r, opts)
		return summary, err
	}
	p.runSync(r, opts)
	r.log.Info("Agent flow finished", slog.String("final_status", summary.FinalStatus))
	return summary, nil
}

func (p *Pipeline) runTriage(r *run, opts Options) {
	if opts.SkipTriage || p.deps.Triage == nil {
		r.skip(StageTriage, "disabled")
		return
	}
	// triage failures are recorded but never stop the flow
	_ = r.stage(StageTriage, func(ctx context.Context) (string, error) {
		// a pinned issue is force-triaged alone
		report, err := p.deps.Triage.Run(ctx, triage.Options{Issue: opts.Issue})
		if report == nil {
			return "", err
		}
		return fmt.Sprintf("%d triaged, %d failures", len(report.Triaged), len(report.Failures)), err
	})
}

// runOrchestration returns the item to work on, nil when nothing is
// selectable.
func (p *Pipeline) runOrchestration(r *run, opts Options) (*github.ProjectItem, error) {
	if opts.Issue > 0 {
		r.skip(StageOrchestration, fmt.Sprintf("issue #%d pinned", opts.Issue))
		var item *github.ProjectItem
		err := r.stage(StageStart, func(ctx context.Context) (string, error) {
			found, err := p.pinnedItem(ctx, opts.Issue)
			if err != nil {
				return "", err
			}
			item = found
			return "marked In Progress", nil
		})
		return item, err
	}
	if p.deps.Orchestrator == nil {
		r.skip(StageOrchestration, "disabled")
		return nil, ErrMissingIssue
	}

	var task *orchestrator.Task
	err := r.stage(StageOrchestration, func(ctx context.Context) (string, error) {
		t, err := p.deps.Orchestrator.Run(ctx)
		if errors.Is(err, orchestrator.ErrNoCandidates) {
			return "no selectable tasks", nil
		}
		if err != nil {
			return "", err
		}
		task = t
		return fmt.Sprintf("#%d via %s", t.Item.Number, t.Strategy), nil
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, orchestrator.ErrNoCandidates
	}
	r.summary.Task = task
	r.summary.Dispatched = task.Dispatched
	return &task.Item, nil
}

// pinnedItem finds or adds the issue on the board and marks it In Progress.
func (p *Pipeline) pinnedItem(ctx context.Context, number int) (*github.ProjectItem, error) {
	items, err := p.deps.Board.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch project items: %w", err)
	}
	var item *github.ProjectItem
	for i := range items {
		if items[i].Number == number {
			item = &items[i]
			break
		}
	}
	if item == nil {
		id, err := p.deps.Board.EnsureItem(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("add #%d to project: %w", number, err)
		}
		item = &github.ProjectItem{ID: id, Number: number}
	}
	if err := p.deps.Board.SetStatus(ctx, item.ID, github.StatusInProgress); err != nil {
		return nil, fmt.Errorf("mark #%d in progress: %w", number, err)
	}
	item.Status = github.StatusInProgress
	return item, nil
}

func (p *Pipeline) loadIssue(ctx context.Context, item github.ProjectItem) (agents.Issue, error) {
	issue := agents.Issue{Number: item.Number, Title: item.Title, Body: item.Body, ItemID: item.ID, Model: item.Model}
	if p.deps.Issues == nil || (issue.Title != "" && issue.Body != "") {
		return issue, nil
	}
	gh, err := p.deps.Issues.GetIssue(ctx, p.config.Owner, p.config.Repo, item.Number)
	if err != nil {
		return issue, fmt.Errorf("get issue #%d: %w", item.Number, err)
	}
	issue.Title, issue.Body = gh.Title, gh.Body
	return issue, nil
}

// work runs planning, development and verification for one issue and
// settles its final status.
func (p *Pipeline) work(r *run, opts Options, issue agents.Issue) error {
	methodology, files := opts.Methodology, opts.Files

	if opts.SkipPlanning || p.deps.Planner == nil {
		r.skip(StagePlanning, "disabled")
	} else {
		err := r.stage(StagePlanning, func(ctx context.Context) (string, error) {
			plan, err := p.deps.Planner.Plan(ctx, issue)
			if err != nil {
				return "", err
			}
			r.summary.Plan = plan
			if plan.Decomposed() {
				return fmt.Sprintf("decomposed into %d sub-issues", len(plan.CreatedSubIssues)), nil
			}
			return fmt.Sprintf("%d files", len(plan.Files)), nil
		})
		if err != nil {
			return p.pause(r, issue, fmt.Sprintf("Planning failed: %v", err), err)
		}
		if r.summary.Plan.Decomposed() {
			r.summary.FinalStatus = github.StatusTodo
			r.skip(StageDevelop, "issue decomposed")
			r.skip(StageVerification, "issue decomposed")
			return nil
		}
		methodology, files = r.summary.Plan.Methodology, r.summary.Plan.Files
	}

	attempts := 1 + p.config.FixAttempts
	if opts.SkipDevelop || p.deps.Developer == nil {
		attempts = 0
		r.skip(StageDevelop, "disabled")
	}

	var lastSummary, feedback string
	for attempt := 0; attempt < attempts || attempt == 0; attempt++ {
		if attempts > 0 {
			err := r.stage(StageDevelop, func(ctx context.Context) (string, error) {
				res, err := p.deps.Developer.Develop(ctx, issue, methodology, files, feedback)
				if err != nil {
					return "", err
				}
				lastSummary = res.Summary
				return fmt.Sprintf("attempt %d", attempt+1), nil
			})
			if err != nil {
				return p.pause(r, issue, fmt.Sprintf("Development failed: %v", err), err)
			}
		}

		if opts.SkipVerification || p.deps.Verifier == nil {
			r.skip(StageVerification, "disabled")
			break
		}

		var results *quality.CheckResults
		err := r.stage(StageVerification, func(ctx context.Context) (string, error) {
			res, err := p.deps.Verifier.RunAll(ctx, issue.Number)
			if err != nil {
				return "", err
			}
			results = res
			if !res.AllPassed {
				return fmt.Sprintf("%d gates failed", len(res.FailedGates())), nil
			}
			return fmt.Sprintf("%d gates passed", len(res.Results)), nil
		})
		if err != nil {
			return p.pause(r, issue, fmt.Sprintf("Verification could not run: %v", err), err)
		}
		r.summary.Verification = results
		if results.AllPassed {
			break
		}

		feedback = quality.FormatErrorFeedback(results)
		if attempt+1 >= attempts {
			return p.pause(r, issue, feedback, quality.ErrGateFailed)
		}
		r.log.Info("Verification failed, retrying development with feedback", slog.Int("attempt", attempt+1))
	}

	return p.complete(r, issue, lastSummary)
}

func (p *Pipeline) complete(r *run, issue agents.Issue, summary string) error {
	if err := p.setStatus(r.ctx, issue, github.StatusDone); err != nil {
		return err
	}
	r.summary.FinalStatus = github.StatusDone
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyTaskCompleted(r.ctx, issue.Number, summary); err != nil {
			r.log.Warn("Failed to post completion comment", slog.Any("error", err))
		}
	}
	return nil
}

// pause moves the task to Paused, posts the reason and returns cause.
func (p *Pipeline) pause(r *run, issue agents.Issue, reason string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	if err := p.setStatus(r.ctx, issue, github.StatusPaused); err != nil {
		r.log.Error("Failed to pause task", slog.Any("error", err))
	} else {
		r.summary.FinalStatus = github.StatusPaused
	}
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyTaskPaused(r.ctx, issue.Number, reason); err != nil {
			r.log.Warn("Failed to post pause comment", slog.Any("error", err))
		}
	}
	return cause
}

func (p *Pipeline) setStatus(ctx context.Context, issue agents.Issue, status string) error {
	itemID := issue.ItemID
	if itemID == "" {
		id, err := p.deps.Board.EnsureItem(ctx, issue.Number)
		if err != nil {
			return fmt.Errorf("find #%d on project: %w", issue.Number, err)
		}
		itemID = id
	}
	if err := p.deps.Board.SetStatus(ctx, itemID, status); err != nil {
		return fmt.Errorf("set #%d status to %s: %w", issue.Number, status, err)
	}
	return nil
}

func (p *Pipeline) runSync(r *run, opts Options) {
	if opts.SkipSync || p.deps.Syncer == nil {
		r.skip(StageSync, "disabled")
		return
	}
	_ = r.stage(StageSync, func(ctx context.Context) (string, error) {
		items, err := p.deps.Board.Items(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch project items: %w", err)
		}
		report, err := p.deps.Syncer.SyncCosts(ctx, items)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d updated, %d skipped, %d failed", report.Updated, report.Skipped, report.Failed), nil
	})
}
