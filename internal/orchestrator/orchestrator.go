// Package orchestrator selects the next task from the project board, marks
// it In Progress and hands it to a remote workflow or the local flow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/usage"
)

// ErrNoCandidates is returned when no item on the board can be worked on.
var ErrNoCandidates = errors.New("no selectable tasks")

// Strategies recorded on a selected task.
const (
	StrategyLLM           = "llm"
	StrategyDeterministic = "deterministic"
)

// Board is the project board the orchestrator reads and updates.
type Board interface {
	Items(ctx context.Context) ([]github.ProjectItem, error)
	SetStatus(ctx context.Context, itemID, status string) error
}

// Dispatcher triggers the remote development workflow.
type Dispatcher interface {
	DispatchWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) error
}

// UsageTracker records LLM usage against an issue.
type UsageTracker interface {
	Track(ctx context.Context, req usage.Request) (*usage.Metrics, error)
}

// Config holds orchestrator settings
type Config struct {
	Owner          string
	Repo           string
	ModelType      string
	Workflow       string
	Ref            string
	LocalExecution bool
	// SkipAI selects deterministically without calling the model.
	SkipAI bool
	// DryRun selects without touching the board or dispatching.
	DryRun bool
}

// Task is the selected unit of work.
type Task struct {
	Item       github.ProjectItem
	Parent     *github.ProjectItem
	Strategy   string
	Reason     string
	Dispatched bool
}

// Orchestrator picks and starts tasks.
type Orchestrator struct {
	config     Config
	board      Board
	exec       gemini.Executor
	dispatcher Dispatcher
	tracker    UsageTracker
	log        *slog.Logger
}

// New creates an orchestrator. exec may be nil when SkipAI is set; tracker
// is optional.
func New(config Config, board Board, exec gemini.Executor, dispatcher Dispatcher, tracker UsageTracker) *Orchestrator {
	return &Orchestrator{
		config:     config,
		board:      board,
		exec:       exec,
		dispatcher: dispatcher,
		tracker:    tracker,
		log:        logging.WithComponent("orchestrator"),
	}
}

// Select chooses the next task without side effects on the board.
func (o *Orchestrator) Select(ctx context.Context) (*Task, error) {
	log := logging.Scoped(ctx, o.log)
	items, err := o.board.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch project items: %w", err)
	}
	log.Info("Fetched project items", slog.Int("count", len(items)))

	if o.config.SkipAI || o.exec == nil {
		item, ok := SelectDeterministic(items)
		if !ok {
			return nil, ErrNoCandidates
		}
		return &Task{Item: item, Strategy: StrategyDeterministic, Reason: "first unblocked candidate by status and priority"}, nil
	}

	leaves := DiscoverLeaves(items)
	if len(leaves) == 0 {
		return nil, ErrNoCandidates
	}
	log.Info("Discovered leaf tasks", slog.Int("count", len(leaves)))

	leaf, reason, res, err := PickWithLLM(ctx, o.exec, leaves, o.config.ModelType)
	if res != nil {
		o.trackSelection(ctx, leaf, leaves, res)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("LLM selection failed, using deterministic order", slog.Any("error", err))
		leaf, _ = SelectLeafDeterministic(leaves)
		return &Task{Item: leaf.Item, Parent: leaf.Parent, Strategy: StrategyDeterministic, Reason: "fallback after LLM selection failure"}, nil
	}
	return &Task{Item: leaf.Item, Parent: leaf.Parent, Strategy: StrategyLLM, Reason: reason}, nil
}

// trackSelection attributes the selection call to the chosen issue, or to
// the first leaf when the choice was rejected.
func (o *Orchestrator) trackSelection(ctx context.Context, chosen Leaf, leaves []Leaf, res *gemini.Result) {
	if o.tracker == nil || o.config.DryRun {
		return
	}
	issue := chosen.Item.Number
	if issue == 0 {
		issue = leaves[0].Item.Number
	}
	_, err := o.tracker.Track(ctx, usage.Request{
		Issue:        issue,
		Operation:    "orchestration",
		Model:        res.ModelUsed,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	})
	if err != nil {
		logging.Scoped(ctx, o.log).Warn("Failed to track selection usage", slog.Int("issue", issue), slog.Any("error", err))
	}
}

// Run selects a task, marks it In Progress and, unless executing locally,
// dispatches the development workflow for it.
func (o *Orchestrator) Run(ctx context.Context) (*Task, error) {
	task, err := o.Select(ctx)
	if err != nil {
		return nil, err
	}
	log := logging.Scoped(ctx, o.log).With(slog.Int("issue", task.Item.Number), slog.String("strategy", task.Strategy))
	log.Info("Task selected", slog.String("title", task.Item.Title), slog.String("reason", task.Reason))

	if o.config.DryRun {
		return task, nil
	}

	if err := o.board.SetStatus(ctx, task.Item.ID, github.StatusInProgress); err != nil {
		return nil, fmt.Errorf("mark #%d in progress: %w", task.Item.Number, err)
	}
	task.Item.Status = github.StatusInProgress

	if o.config.LocalExecution || o.dispatcher == nil {
		log.Info("Task handed to local execution")
		return task, nil
	}

	inputs := map[string]string{
		"issue_number": strconv.Itoa(task.Item.Number),
	}
	if err := o.dispatcher.DispatchWorkflow(ctx, o.config.Owner, o.config.Repo, o.config.Workflow, o.config.Ref, inputs); err != nil {
		return nil, fmt.Errorf("dispatch workflow for #%d: %w", task.Item.Number, err)
	}
	task.Dispatched = true
	log.Info("Development workflow dispatched", slog.String("workflow", o.config.Workflow))
	return task, nil
}
