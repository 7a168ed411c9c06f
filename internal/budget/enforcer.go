package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/agentflow/internal/logging"
)

// SpendProvider reports USD spent since a point in time.
type SpendProvider interface {
	SpentSince(ctx context.Context, since time.Time) (float64, error)
}

// Enforcer checks and enforces token budgets per stage and an optional
// daily cost limit. It is safe for concurrent use by parallel triage batches.
type Enforcer struct {
	config   *Config
	provider SpendProvider
	now      func() time.Time

	mu    sync.Mutex
	usage map[string]*StageUsage

	log *slog.Logger
}

// NewEnforcer creates a new budget enforcer. provider may be nil when no
// daily limit is configured.
func NewEnforcer(config *Config, provider SpendProvider) *Enforcer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Enforcer{
		config:   config,
		provider: provider,
		now:      time.Now,
		usage:    make(map[string]*StageUsage),
		log:      logging.WithComponent("budget"),
	}
}

// Check records tokens spent by one LLM call in stage and compares the
// stage's running total with its budget. Over budget returns an
// *ExceededError (matching ErrStageBudgetExceeded) when the action is stop;
// with warn it only logs.
func (e *Enforcer) Check(stage string, inputTokens, outputTokens int64) error {
	if e == nil || !e.config.Enabled {
		return nil
	}

	e.mu.Lock()
	u, ok := e.usage[stage]
	if !ok {
		u = &StageUsage{Stage: stage, Limit: e.config.Stages.Limit(stage)}
		e.usage[stage] = u
	}
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	snapshot := *u
	e.mu.Unlock()

	if snapshot.Limit <= 0 || snapshot.Total() <= snapshot.Limit {
		return nil
	}

	if e.config.OnExceed == ActionWarn {
		e.log.Warn("Stage token budget exceeded",
			slog.String("stage", stage),
			slog.Int64("used", snapshot.Total()),
			slog.Int64("limit", snapshot.Limit),
		)
		return nil
	}
	return &ExceededError{Stage: stage, Used: snapshot.Total(), Limit: snapshot.Limit}
}

// Usage returns the running total of a stage.
func (e *Enforcer) Usage(stage string) StageUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.usage[stage]; ok {
		return *u
	}
	return StageUsage{Stage: stage, Limit: e.config.Stages.Limit(stage)}
}

// CheckDaily verifies today's spend is under the daily limit before a run starts.
// A provider failure is logged and the run is allowed.
func (e *Enforcer) CheckDaily(ctx context.Context) error {
	if e == nil || !e.config.Enabled || e.config.DailyLimit <= 0 || e.provider == nil {
		return nil
	}
	log := logging.Scoped(ctx, e.log)

	now := e.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	spent, err := e.provider.SpentSince(ctx, dayStart)
	if err != nil {
		log.Error("Failed to read daily spend", slog.Any("error", err))
		return nil
	}

	if spent < e.config.DailyLimit {
		return nil
	}
	if e.config.OnExceed == ActionWarn {
		log.Warn("Daily cost limit exceeded",
			slog.Float64("spent", spent),
			slog.Float64("limit", e.config.DailyLimit),
		)
		return nil
	}
	return fmt.Errorf("%w: $%.2f / $%.2f", ErrDailyLimitExceeded, spent, e.config.DailyLimit)
}
