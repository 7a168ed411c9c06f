package usage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/pricing"
)

// CommentAPI is the subset of the GitHub client the tracker needs.
type CommentAPI interface {
	ListComments(ctx context.Context, owner, repo string, number int) ([]*github.Comment, error)
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
	UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*github.Comment, error)
}

// CostBoard mirrors totals into the project's Cost field.
type CostBoard interface {
	ItemForIssue(ctx context.Context, number int) (string, error)
	SetCost(ctx context.Context, itemID string, cost float64) error
}

// Recorder stores tracked operations locally.
type Recorder interface {
	Record(ctx context.Context, e Entry) (string, error)
}

// Request describes one LLM call to attribute to an issue.
type Request struct {
	Issue        int
	Operation    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	// ID makes the call idempotent: a repeated ID is not counted twice.
	ID string
}

// Tracker accumulates usage metrics on issues of one repository.
type Tracker struct {
	owner  string
	repo   string
	client CommentAPI
	board  CostBoard
	ledger Recorder
	now    func() time.Time
	log    *slog.Logger

	// per-issue locks serialize read-modify-write of a comment within this process
	locks sync.Map
}

// NewTracker creates a tracker. board and ledger are optional.
func NewTracker(owner, repo string, client CommentAPI, board CostBoard, ledger Recorder) *Tracker {
	return &Tracker{
		owner:  owner,
		repo:   repo,
		client: client,
		board:  board,
		ledger: ledger,
		now:    time.Now,
		log:    logging.WithComponent("usage"),
	}
}

func (t *Tracker) lock(issue int) func() {
	v, _ := t.locks.LoadOrStore(issue, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Track prices the call, merges it into the issue's metrics comment
// (creating the comment if absent) and returns the new totals. Mirroring the
// cost to the board and recording to the ledger are best effort.
func (t *Tracker) Track(ctx context.Context, req Request) (*Metrics, error) {
	if req.Issue <= 0 {
		return nil, fmt.Errorf("track usage: invalid issue number %d", req.Issue)
	}
	unlock := t.lock(req.Issue)
	defer unlock()

	comments, err := t.client.ListComments(ctx, t.owner, t.repo, req.Issue)
	if err != nil {
		return nil, fmt.Errorf("list comments on #%d: %w", req.Issue, err)
	}
	existing, comment, err := FindMetrics(comments)
	if err != nil {
		return nil, fmt.Errorf("read metrics on #%d: %w", req.Issue, err)
	}

	cost := pricing.CalculateCost(req.Model, req.InputTokens, req.OutputTokens)
	op := Operation{
		ID:           req.ID,
		Operation:    req.Operation,
		Model:        req.Model,
		InputTokens:  cost.InputTokens,
		OutputTokens: cost.OutputTokens,
		Cost:         cost.TotalCost,
		Timestamp:    t.now().UTC(),
	}
	merged := Merge(existing, op)
	body := RenderComment(merged)

	if comment != nil {
		if _, err := t.client.UpdateComment(ctx, t.owner, t.repo, comment.ID, body); err != nil {
			return nil, fmt.Errorf("update metrics comment on #%d: %w", req.Issue, err)
		}
	} else {
		if _, err := t.client.AddComment(ctx, t.owner, t.repo, req.Issue, body); err != nil {
			return nil, fmt.Errorf("create metrics comment on #%d: %w", req.Issue, err)
		}
	}

	logging.Scoped(ctx, t.log).Info("Usage tracked",
		slog.Int("issue", req.Issue),
		slog.String("operation", req.Operation),
		slog.String("model", req.Model),
		slog.Float64("cost", op.Cost),
		slog.Float64("total_cost", merged.TotalCost),
	)

	t.mirrorCost(ctx, req.Issue, merged.TotalCost)
	t.record(ctx, op, req.Issue)
	return merged, nil
}

func (t *Tracker) mirrorCost(ctx context.Context, issue int, total float64) {
	log := logging.Scoped(ctx, t.log)
	if t.board == nil {
		return
	}
	itemID, err := t.board.ItemForIssue(ctx, issue)
	if err != nil {
		log.Warn("Cost mirror skipped", slog.Int("issue", issue), slog.Any("error", err))
		return
	}
	if itemID == "" {
		log.Debug("Issue not on project board, cost not mirrored", slog.Int("issue", issue))
		return
	}
	if err := t.board.SetCost(ctx, itemID, total); err != nil {
		log.Warn("Cost mirror failed", slog.Int("issue", issue), slog.Any("error", err))
	}
}

func (t *Tracker) record(ctx context.Context, op Operation, issue int) {
	if t.ledger == nil {
		return
	}
	_, err := t.ledger.Record(ctx, Entry{
		ID:           op.ID,
		Repo:         t.owner + "/" + t.repo,
		Issue:        issue,
		Operation:    op.Operation,
		Model:        op.Model,
		InputTokens:  op.InputTokens,
		OutputTokens: op.OutputTokens,
		Cost:         op.Cost,
		Timestamp:    op.Timestamp,
	})
	if err != nil {
		logging.Scoped(ctx, t.log).Warn("Ledger record failed", slog.Int("issue", issue), slog.Any("error", err))
	}
}

// SyncReport summarizes a cost sync pass.
type SyncReport struct {
	Updated int
	Skipped int
	Failed  int
}

// SyncCosts re-mirrors every item's comment total into its Cost field.
// Items without metrics, or already in sync, are skipped. Per-item failures
// are counted and logged; only a missing board is an error.
func (t *Tracker) SyncCosts(ctx context.Context, items []github.ProjectItem) (SyncReport, error) {
	log := logging.Scoped(ctx, t.log)
	var report SyncReport
	if t.board == nil {
		return report, fmt.Errorf("sync costs: no project board")
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		comments, err := t.client.ListComments(ctx, t.owner, t.repo, item.Number)
		if err != nil {
			log.Warn("Sync: list comments failed", slog.Int("issue", item.Number), slog.Any("error", err))
			report.Failed++
			continue
		}
		metrics, _, err := FindMetrics(comments)
		if err != nil {
			log.Warn("Sync: unreadable metrics", slog.Int("issue", item.Number), slog.Any("error", err))
			report.Failed++
			continue
		}
		if metrics == nil || math.Abs(item.Cost-metrics.TotalCost) < 1e-9 {
			report.Skipped++
			continue
		}

		if err := t.board.SetCost(ctx, item.ID, metrics.TotalCost); err != nil {
			log.Warn("Sync: set cost failed", slog.Int("issue", item.Number), slog.Any("error", err))
			report.Failed++
			continue
		}
		report.Updated++
	}

	log.Info("Costs synced",
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}
