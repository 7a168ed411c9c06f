// Package triage classifies Todo issues with the LLM in size-bounded
// batches and writes the priority, labels and model tier back to GitHub.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/pricing"
	"github.com/alekspetrov/agentflow/internal/usage"
)

// Operation is the usage record name of triage calls.
const Operation = "triage"

// Board is the project board surface triage needs.
type Board interface {
	Items(ctx context.Context) ([]github.ProjectItem, error)
	EnsureItem(ctx context.Context, number int) (string, error)
	SetPriority(ctx context.Context, itemID, priority string) error
	SetModel(ctx context.Context, itemID, model string) error
}

// Issues is the issue surface triage needs.
type Issues interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
}

// UsageTracker records LLM usage against an issue.
type UsageTracker interface {
	Track(ctx context.Context, req usage.Request) (*usage.Metrics, error)
}

// Config holds triage settings
type Config struct {
	Owner       string
	Repo        string
	BatchChars  int
	Concurrency int
	ModelType   string
}

// Options selects the triage mode.
type Options struct {
	// Issue forces triage of one issue regardless of its label. Zero
	// triages every untriaged Todo item.
	Issue int
}

// Failure is one unit of work that could not be completed. Issue is zero
// for a failure that affected a whole batch.
type Failure struct {
	Batch  int
	Issue  int
	Issues []int
	Err    error
}

func (f Failure) Error() string {
	if f.Issue != 0 {
		return fmt.Sprintf("issue #%d: %v", f.Issue, f.Err)
	}
	return fmt.Sprintf("batch %d %v: %v", f.Batch, f.Issues, f.Err)
}

// Report summarizes a triage run.
type Report struct {
	Candidates   int
	Batches      int
	Decisions    map[int]Decision
	Triaged      []int
	Failures     []Failure
	InputTokens  int64
	OutputTokens int64
}

// Agent runs triage.
type Agent struct {
	config  Config
	board   Board
	issues  Issues
	exec    gemini.Executor
	budget  *budget.Enforcer
	tracker UsageTracker
	log     *slog.Logger
}

// NewAgent creates a triage agent. enforcer and tracker are optional.
func NewAgent(config Config, board Board, issues Issues, exec gemini.Executor, enforcer *budget.Enforcer, tracker UsageTracker) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Agent{
		config:  config,
		board:   board,
		issues:  issues,
		exec:    exec,
		budget:  enforcer,
		tracker: tracker,
		log:     logging.WithComponent("triage"),
	}
}

// batchResult is the outcome of one batch call.
type batchResult struct {
	index     int
	batch     []Candidate
	result    *gemini.Result
	decisions map[int]Decision
	// err is set when the call was billed but its response was unusable.
	err error
}

// Run triages the candidates selected by opts. Batch, apply and tracking
// failures are collected in the report; the returned error is reserved
// for failures that stop the whole run (listing items, an exceeded
// budget, cancellation).
func (a *Agent) Run(ctx context.Context, opts Options) (*Report, error) {
	log := logging.Scoped(ctx, a.log)
	candidates, err := a.candidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	report := &Report{Candidates: len(candidates), Decisions: map[int]Decision{}}
	if len(candidates) == 0 {
		log.Info("No issues need triage")
		return report, nil
	}

	batches := Batch(candidates, a.config.BatchChars)
	report.Batches = len(batches)
	log.Info("Starting triage",
		slog.Int("issues", len(candidates)),
		slog.Int("batches", len(batches)),
	)

	results, runErr := a.runBatches(ctx, batches, report)

	for _, br := range results {
		a.apply(ctx, br, report)
	}
	a.trackUsage(ctx, results, report)

	sort.Ints(report.Triaged)
	log.Info("Triage completed",
		slog.Int("triaged", len(report.Triaged)),
		slog.Int("failures", len(report.Failures)),
		slog.Int64("input_tokens", report.InputTokens),
		slog.Int64("output_tokens", report.OutputTokens),
	)
	return report, runErr
}

func (a *Agent) candidates(ctx context.Context, opts Options) ([]Candidate, error) {
	if opts.Issue > 0 {
		itemID, err := a.board.EnsureItem(ctx, opts.Issue)
		if err != nil {
			return nil, fmt.Errorf("add #%d to project: %w", opts.Issue, err)
		}
		issue, err := a.issues.GetIssue(ctx, a.config.Owner, a.config.Repo, opts.Issue)
		if err != nil {
			return nil, fmt.Errorf("get issue #%d: %w", opts.Issue, err)
		}
		item := github.ProjectItem{
			ID:     itemID,
			Number: issue.Number,
			Title:  issue.Title,
			Body:   issue.Body,
			State:  strings.ToUpper(issue.State),
		}
		for _, l := range issue.Labels {
			item.Labels = append(item.Labels, l.Name)
		}
		return []Candidate{NewCandidate(item)}, nil
	}

	items, err := a.board.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch project items: %w", err)
	}
	var out []Candidate
	for _, item := range items {
		if !strings.EqualFold(item.Status, github.StatusTodo) || item.HasLabel(github.LabelAITriaged) {
			continue
		}
		if item.State != "" && !strings.EqualFold(item.State, github.StateOpen) {
			continue
		}
		out = append(out, NewCandidate(item))
	}
	return out, nil
}

func (a *Agent) runBatches(ctx context.Context, batches [][]Candidate, report *Report) ([]batchResult, error) {
	log := logging.Scoped(ctx, a.log)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Concurrency)

	var mu sync.Mutex
	var results []batchResult

	for i, batch := range batches {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			br, err := a.runBatch(gctx, i, batch)

			mu.Lock()
			defer mu.Unlock()
			if br.result != nil {
				report.InputTokens += br.result.InputTokens
				report.OutputTokens += br.result.OutputTokens
			}
			if br.result == nil && gctx.Err() != nil {
				return nil
			}
			if err != nil {
				log.Warn("Triage batch failed", slog.Int("batch", i), slog.Any("error", err))
				report.Failures = append(report.Failures, Failure{Batch: i, Issues: numbers(batch), Err: err})
			}
			if br.result == nil {
				return nil
			}
			br.err = err
			results = append(results, br)

			if a.budget != nil {
				if err := a.budget.Check(budget.StageTriage, br.result.InputTokens, br.result.OutputTokens); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	return results, err
}

func (a *Agent) runBatch(ctx context.Context, index int, batch []Candidate) (batchResult, error) {
	br := batchResult{index: index, batch: batch}
	prompt := BuildPrompt(batch)

	res, err := a.exec.Run(ctx, prompt, gemini.Options{ModelType: a.config.ModelType, Operation: Operation})
	if err != nil {
		return br, fmt.Errorf("triage call: %w", err)
	}
	br.result = res

	decisions, err := ParseDecisions(res.Response)
	if err != nil {
		return br, fmt.Errorf("parse triage response: %w", err)
	}
	br.decisions = decisions
	return br, nil
}

func (a *Agent) apply(ctx context.Context, br batchResult, report *Report) {
	if br.err != nil {
		return
	}
	for _, c := range br.batch {
		number := c.Item.Number
		d, ok := br.decisions[number]
		if !ok {
			report.Failures = append(report.Failures, Failure{Batch: br.index, Issue: number, Err: errors.New("no decision in response")})
			continue
		}
		if err := a.applyDecision(ctx, c.Item, d); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Scoped(ctx, a.log).Warn("Failed to apply triage decision", slog.Int("issue", number), slog.Any("error", err))
			report.Failures = append(report.Failures, Failure{Batch: br.index, Issue: number, Err: err})
			continue
		}
		report.Decisions[number] = d
		report.Triaged = append(report.Triaged, number)
	}
}

func (a *Agent) applyDecision(ctx context.Context, item github.ProjectItem, d Decision) error {
	labels := append(append([]string{}, d.Labels...), github.LabelAITriaged)
	if err := a.issues.AddLabels(ctx, a.config.Owner, a.config.Repo, item.Number, labels); err != nil {
		return fmt.Errorf("add labels: %w", err)
	}
	if d.Priority != "" {
		if err := a.board.SetPriority(ctx, item.ID, d.Priority); err != nil {
			return fmt.Errorf("set priority: %w", err)
		}
	}
	if d.Model != "" {
		if err := a.board.SetModel(ctx, item.ID, d.Model); err != nil {
			return fmt.Errorf("set model: %w", err)
		}
	}
	logging.Scoped(ctx, a.log).Info("Issue triaged",
		slog.Int("issue", item.Number),
		slog.String("priority", d.Priority),
		slog.String("model", d.Model),
		slog.String("reason", d.Reason),
	)
	return nil
}

// trackUsage attributes each billed batch's tokens to its issues and
// records them concurrently; every issue has its own comment. Batches with
// an unusable response are still billed to their issues.
//
// Shares are priced one by one, so a batch whose input crossed the tier-2
// threshold would be under-attributed. Batches stay far below it.
func (a *Agent) trackUsage(ctx context.Context, results []batchResult, report *Report) {
	log := logging.Scoped(ctx, a.log)
	if a.tracker == nil {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Concurrency)

	for _, br := range results {
		sized := make([]pricing.SizedIssue, len(br.batch))
		for i, c := range br.batch {
			sized[i] = pricing.SizedIssue{Number: c.Item.Number, Chars: len(c.Serialized)}
		}
		callID := uuid.NewString()
		for _, share := range pricing.SplitTriageCosts(sized, br.result.InputTokens, br.result.OutputTokens) {
			req := usage.Request{
				Issue:        share.Number,
				Operation:    Operation,
				Model:        br.result.ModelUsed,
				InputTokens:  share.InputTokens,
				OutputTokens: share.OutputTokens,
				ID:           fmt.Sprintf("%s:%d", callID, share.Number),
			}
			g.Go(func() error {
				if _, err := a.tracker.Track(gctx, req); err != nil {
					log.Warn("Failed to track triage usage", slog.Int("issue", req.Issue), slog.Any("error", err))
					mu.Lock()
					report.Failures = append(report.Failures, Failure{Batch: br.index, Issue: req.Issue, Err: fmt.Errorf("track usage: %w", err)})
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

func numbers(batch []Candidate) []int {
	out := make([]int, len(batch))
	for i, c := range batch {
		out[i] = c.Item.Number
	}
	return out
}
