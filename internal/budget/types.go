package budget

import (
	"errors"
	"fmt"
)

// Errors for budget enforcement
var (
	ErrStageBudgetExceeded = errors.New("stage token budget exceeded")
	ErrDailyLimitExceeded  = errors.New("daily cost limit exceeded")
)

// Pipeline stages that carry a token budget.
const (
	StageTriage    = "triage"
	StagePlanning  = "planning"
	StageDeveloper = "developer"
)

// Config holds token and cost control configuration
type Config struct {
	Enabled    bool        `yaml:"enabled"`
	Stages     StageLimits `yaml:"stages"`
	DailyLimit float64     `yaml:"daily_limit"` // USD, 0 disables
	OnExceed   Action      `yaml:"on_exceed"`
}

// StageLimits are token budgets per stage. Zero means unlimited.
type StageLimits struct {
	Triage    int64 `yaml:"triage"`
	Planning  int64 `yaml:"planning"`
	Developer int64 `yaml:"developer"`
}

// Limit returns the budget for a stage.
func (s StageLimits) Limit(stage string) int64 {
	switch stage {
	case StageTriage:
		return s.Triage
	case StagePlanning:
		return s.Planning
	case StageDeveloper:
		return s.Developer
	default:
		return 0
	}
}

// Action represents the action to take when a limit is exceeded
type Action string

const (
	ActionWarn Action = "warn" // Log and continue
	ActionStop Action = "stop" // Fail the stage
)

// DefaultConfig returns the default budget configuration: enforcement on,
// no stage limits, stop on exceed.
func DefaultConfig() *Config {
	return &Config{
		Enabled:  true,
		OnExceed: ActionStop,
	}
}

// StageUsage is the running token total of one stage.
type StageUsage struct {
	Stage        string `json:"stage"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Limit        int64  `json:"limit"`
}

// Total returns input plus output tokens.
func (u StageUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Percent returns usage as a percentage of the limit, 0 when unlimited.
func (u StageUsage) Percent() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Total()) / float64(u.Limit) * 100
}

// ExceededError reports which stage went over and by how much.
type ExceededError struct {
	Stage string
	Used  int64
	Limit int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s stage used %d tokens, budget %d", e.Stage, e.Used, e.Limit)
}

func (e *ExceededError) Unwrap() error {
	return ErrStageBudgetExceeded
}
