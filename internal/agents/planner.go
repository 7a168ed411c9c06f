// Package agents holds the LLM-driven planner and developer stages.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/usage"
)

// ErrEmptyPlan is returned when the model's plan has no methodology.
var ErrEmptyPlan = errors.New("plan has no methodology")

// UsageTracker records LLM usage against an issue.
type UsageTracker interface {
	Track(ctx context.Context, req usage.Request) (*usage.Metrics, error)
}

// PlanNotifier posts the plan comment.
type PlanNotifier interface {
	NotifyPlan(ctx context.Context, issue int, methodology string, files []string, subTasks []string) error
}

// SubIssueCreator creates linked sub-issues.
type SubIssueCreator interface {
	CreateSubIssue(ctx context.Context, owner, repo string, parent int, input *github.IssueInput) (*github.Issue, error)
}

// StatusBoard adds issues to the board and moves them between statuses.
type StatusBoard interface {
	EnsureItem(ctx context.Context, number int) (string, error)
	SetStatus(ctx context.Context, itemID, status string) error
}

// Issue is the task a stage works on.
type Issue struct {
	Number int
	Title  string
	Body   string
	// ItemID is the project item; empty means look it up when needed.
	ItemID string
	// Model is the triaged model class or name.
	Model string
}

// SubTask is one piece of a decomposed issue.
type SubTask struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Plan is the planner's output.
type Plan struct {
	Methodology        string    `json:"methodology"`
	Files              []string  `json:"files"`
	NeedsDecomposition bool      `json:"needsDecomposition"`
	SubTasks           []SubTask `json:"subTasks"`

	// CreatedSubIssues holds the numbers of sub-issues opened for SubTasks.
	CreatedSubIssues []int `json:"-"`
}

// Decomposed reports whether the issue was split into sub-issues.
func (p *Plan) Decomposed() bool {
	return p.NeedsDecomposition && len(p.CreatedSubIssues) > 0
}

// PlannerConfig holds planner settings
type PlannerConfig struct {
	Owner     string
	Repo      string
	ModelType string
	// OutputPath is the GITHUB_OUTPUT file; empty outside Actions.
	OutputPath string
}

// Planner turns an issue into an implementation plan, decomposing it
// into sub-issues when the model says so.
type Planner struct {
	config   PlannerConfig
	exec     gemini.Executor
	notifier PlanNotifier
	issues   SubIssueCreator
	board    StatusBoard
	budget   *budget.Enforcer
	tracker  UsageTracker
	log      *slog.Logger
}

// NewPlanner creates a planner. notifier, enforcer and tracker are optional.
func NewPlanner(config PlannerConfig, exec gemini.Executor, notifier PlanNotifier, issues SubIssueCreator, board StatusBoard, enforcer *budget.Enforcer, tracker UsageTracker) *Planner {
	if config.ModelType == "" {
		config.ModelType = gemini.ModelPro
	}
	return &Planner{
		config:   config,
		exec:     exec,
		notifier: notifier,
		issues:   issues,
		board:    board,
		budget:   enforcer,
		tracker:  tracker,
		log:      logging.WithComponent("agents.planner"),
	}
}

// BuildPlanPrompt renders the planning prompt for an issue.
func BuildPlanPrompt(issue Issue) string {
	var b strings.Builder
	b.WriteString("You are the technical planner of a software project. Plan the implementation of this GitHub issue.\n\n")
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n\n", issue.Number, issue.Title, issue.Body)
	b.WriteString("Decide whether the issue is small enough to implement in one pass. If it is not, set needsDecomposition ")
	b.WriteString("to true and list independent sub-tasks, each with a title and a body that can be implemented on its own.\n\n")
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"methodology": "<step by step approach>", "files": ["<path>"], "needsDecomposition": false, "subTasks": [{"title": "...", "body": "..."}]}`)
	b.WriteString("\n")
	return b.String()
}

// Plan runs the planner for issue.
func (p *Planner) Plan(ctx context.Context, issue Issue) (*Plan, error) {
	log := logging.Scoped(ctx, p.log).With(slog.Int("issue", issue.Number))
	log.Info("Planning issue", slog.String("title", issue.Title))

	res, err := p.exec.Run(ctx, BuildPlanPrompt(issue), gemini.Options{ModelType: p.config.ModelType, Operation: "planning"})
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}
	trackResult(ctx, p.tracker, log, issue.Number, "planning", res)
	if err := p.budget.Check(budget.StagePlanning, res.InputTokens, res.OutputTokens); err != nil {
		return nil, err
	}

	var plan Plan
	if err := gemini.UnmarshalResponse(res.Response, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	plan.Methodology = strings.TrimSpace(plan.Methodology)
	if plan.Methodology == "" {
		return nil, ErrEmptyPlan
	}

	if plan.NeedsDecomposition && len(plan.SubTasks) > 0 {
		if err := p.decompose(ctx, issue, &plan); err != nil {
			return nil, err
		}
	}

	if p.notifier != nil {
		titles := make([]string, 0, len(plan.CreatedSubIssues))
		for i, n := range plan.CreatedSubIssues {
			titles = append(titles, fmt.Sprintf("#%d %s", n, plan.SubTasks[i].Title))
		}
		if err := p.notifier.NotifyPlan(ctx, issue.Number, plan.Methodology, plan.Files, titles); err != nil {
			log.Warn("Failed to post plan comment", slog.Any("error", err))
		}
	}

	files, _ := json.Marshal(plan.Files)
	if err := WriteOutputs(p.config.OutputPath,
		Output{Name: "methodology", Value: plan.Methodology},
		Output{Name: "files", Value: string(files)},
		Output{Name: "needs_decomposition", Value: strconv.FormatBool(plan.Decomposed())},
	); err != nil {
		return nil, err
	}

	log.Info("Plan ready",
		slog.Int("files", len(plan.Files)),
		slog.Bool("decomposed", plan.Decomposed()),
		slog.Int("sub_issues", len(plan.CreatedSubIssues)),
	)
	return &plan, nil
}

// decompose opens a sub-issue per sub-task, queues each as Todo and moves
// the parent back to Todo so the orchestrator descends into the children.
func (p *Planner) decompose(ctx context.Context, issue Issue, plan *Plan) error {
	var created []SubTask
	for _, st := range plan.SubTasks {
		if strings.TrimSpace(st.Title) == "" {
			continue
		}
		body := st.Body
		if body != "" {
			body += "\n\n"
		}
		body += fmt.Sprintf("Parent: #%d", issue.Number)

		sub, err := p.issues.CreateSubIssue(ctx, p.config.Owner, p.config.Repo, issue.Number, &github.IssueInput{Title: st.Title, Body: body})
		if err != nil {
			return fmt.Errorf("decompose #%d: %w", issue.Number, err)
		}
		created = append(created, st)
		plan.CreatedSubIssues = append(plan.CreatedSubIssues, sub.Number)

		itemID, err := p.board.EnsureItem(ctx, sub.Number)
		if err != nil {
			return fmt.Errorf("add sub-issue #%d to project: %w", sub.Number, err)
		}
		if err := p.board.SetStatus(ctx, itemID, github.StatusTodo); err != nil {
			return fmt.Errorf("queue sub-issue #%d: %w", sub.Number, err)
		}
	}
	plan.SubTasks = created
	if len(created) == 0 {
		return nil
	}

	parentID := issue.ItemID
	if parentID == "" {
		id, err := p.board.EnsureItem(ctx, issue.Number)
		if err != nil {
			return fmt.Errorf("find parent #%d on project: %w", issue.Number, err)
		}
		parentID = id
	}
	if err := p.board.SetStatus(ctx, parentID, github.StatusTodo); err != nil {
		return fmt.Errorf("return parent #%d to todo: %w", issue.Number, err)
	}
	return nil
}

// trackResult records one CLI result; failures only log.
func trackResult(ctx context.Context, tracker UsageTracker, log *slog.Logger, issue int, operation string, res *gemini.Result) {
	if tracker == nil || res == nil {
		return
	}
	_, err := tracker.Track(ctx, usage.Request{
		Issue:        issue,
		Operation:    operation,
		Model:        res.ModelUsed,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	})
	if err != nil {
		log.Warn("Failed to track usage", slog.String("operation", operation), slog.Any("error", err))
	}
}
