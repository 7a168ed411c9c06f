package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/agents"
	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/config"
	"github.com/alekspetrov/agentflow/internal/flow"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/orchestrator"
	"github.com/alekspetrov/agentflow/internal/quality"
	"github.com/alekspetrov/agentflow/internal/triage"
	"github.com/alekspetrov/agentflow/internal/usage"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg      *config.Config
	client   *github.Client
	board    *github.Board
	notifier *github.Notifier
	runner   *gemini.Runner
	ledger   *usage.Ledger
	tracker  *usage.Tracker
	enforcer *budget.Enforcer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	return cfg, nil
}

// newApp loads and validates the config and wires the GitHub, Gemini and
// usage layers.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	a := &app{cfg: cfg}

	gh := cfg.GitHub
	if gh.BaseURL != "" {
		a.client = github.NewClientWithBaseURL(gh.Token, gh.BaseURL)
	} else {
		a.client = github.NewClient(gh.Token)
	}
	if gh.Retry {
		a.client.EnableRetry(github.DefaultRetryOptions())
	}
	a.board = github.NewBoard(a.client, gh.Owner, gh.Repo, gh.Project)
	a.notifier = github.NewNotifier(a.client, gh.Owner, gh.Repo)
	a.runner = gemini.NewRunner(cfg.Gemini)

	if cfg.Ledger.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		ledger, err := usage.OpenLedger(cfg.Ledger.Path)
		if err != nil {
			// the ledger is a local mirror; the comments stay authoritative
			logging.WithComponent("cli").Warn("Usage ledger unavailable", slog.Any("error", err))
		} else {
			a.ledger = ledger
		}
	}

	if a.ledger != nil {
		a.tracker = usage.NewTracker(gh.Owner, gh.Repo, a.client, a.board, a.ledger)
		a.enforcer = budget.NewEnforcer(cfg.Budget, a.ledger)
	} else {
		a.tracker = usage.NewTracker(gh.Owner, gh.Repo, a.client, a.board, nil)
		a.enforcer = budget.NewEnforcer(cfg.Budget, nil)
	}
	return a, nil
}

func (a *app) Close() {
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	_ = logging.Close()
}

func (a *app) triageAgent() *triage.Agent {
	t := a.cfg.Triage
	return triage.NewAgent(triage.Config{
		Owner:       a.cfg.GitHub.Owner,
		Repo:        a.cfg.GitHub.Repo,
		BatchChars:  t.BatchChars,
		Concurrency: t.Concurrency,
		ModelType:   t.ModelType,
	}, a.board, a.client, a.runner, a.enforcer, a.tracker)
}

func (a *app) orchestrator(skipAI, dryRun bool) *orchestrator.Orchestrator {
	o := a.cfg.Orchestrator
	return orchestrator.New(orchestrator.Config{
		Owner:          a.cfg.GitHub.Owner,
		Repo:           a.cfg.GitHub.Repo,
		ModelType:      o.ModelType,
		Workflow:       o.Workflow,
		Ref:            o.Ref,
		LocalExecution: o.LocalExecution,
		SkipAI:         skipAI,
		DryRun:         dryRun,
	}, a.board, a.runner, a.client, a.tracker)
}

func (a *app) planner() *agents.Planner {
	return agents.NewPlanner(agents.PlannerConfig{
		Owner:      a.cfg.GitHub.Owner,
		Repo:       a.cfg.GitHub.Repo,
		ModelType:  a.cfg.Agents.PlannerModel,
		OutputPath: a.cfg.GitHubOutput,
	}, a.runner, a.notifier, a.client, a.board, a.enforcer, a.tracker)
}

func (a *app) developer(onOutput func(string)) *agents.Developer {
	return agents.NewDeveloper(agents.DeveloperConfig{
		ModelType:    a.cfg.Agents.DeveloperModel,
		ApprovalMode: a.cfg.Agents.ApprovalMode,
		OnOutput:     onOutput,
	}, a.runner, a.enforcer, a.tracker)
}

func (a *app) verifier(onProgress quality.ProgressCallback) *quality.Runner {
	r := quality.NewRunner(a.cfg.Quality, a.cfg.Quality.WorkDir)
	if onProgress != nil {
		r.OnProgress(onProgress)
	}
	return r
}

// pipeline wires every stage of the agent flow.
func (a *app) pipeline(skipAI bool, onProgress quality.ProgressCallback) *flow.Pipeline {
	deps := flow.Deps{
		Triage:       a.triageAgent(),
		Orchestrator: a.orchestrator(skipAI, false),
		Planner:      a.planner(),
		Developer:    a.developer(nil),
		Syncer:       a.tracker,
		Board:        a.board,
		Issues:       a.client,
		Notifier:     a.notifier,
		Budget:       a.enforcer,
	}
	if a.cfg.Quality.Enabled {
		deps.Verifier = a.verifier(onProgress)
	}
	return flow.New(flow.Config{
		Owner:       a.cfg.GitHub.Owner,
		Repo:        a.cfg.GitHub.Repo,
		FixAttempts: a.cfg.Agents.FixAttempts,
	}, deps)
}
