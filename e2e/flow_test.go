package e2e

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/agentflow/e2e/mocks"
	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/agents"
	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/flow"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/orchestrator"
	"github.com/alekspetrov/agentflow/internal/quality"
	"github.com/alekspetrov/agentflow/internal/testutil"
	"github.com/alekspetrov/agentflow/internal/triage"
	"github.com/alekspetrov/agentflow/internal/usage"
)

const (
	owner = "quest-org"
	repo  = "quest-game"
)

type env struct {
	gh     *mocks.GitHubMock
	cli    *mocks.GeminiCLIMock
	ledger *usage.Ledger
	board  *github.Board
}

func setup(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("mock CLI is a shell script")
	}
	logging.Suppress()

	gh := mocks.NewGitHubMock(owner, repo)
	t.Cleanup(gh.Close)

	cli, err := mocks.NewGeminiCLIMock(t.TempDir())
	if err != nil {
		t.Fatalf("create gemini mock: %v", err)
	}

	ledger, err := usage.OpenLedger(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	client := github.NewClientWithBaseURL(testutil.FakeGitHubToken, gh.URL())
	board := github.NewBoard(client, owner, repo, &github.ProjectConfig{Number: 1})
	return &env{gh: gh, cli: cli, ledger: ledger, board: board}
}

func (e *env) respond(t *testing.T, match, response string, in, out int) {
	t.Helper()
	if err := e.cli.Respond(match, response, in, out); err != nil {
		t.Fatalf("mock response: %v", err)
	}
}

type pipelineOptions struct {
	local       bool
	gateCommand string
	fixAttempts int
}

func (e *env) pipeline(t *testing.T, opts pipelineOptions) *flow.Pipeline {
	t.Helper()
	client := e.board.Client()
	runner := gemini.NewRunner(&gemini.Config{
		Command:     e.cli.BinPath(),
		Timeout:     30 * time.Second,
		RetryMargin: time.Millisecond,
	})
	tracker := usage.NewTracker(owner, repo, client, e.board, e.ledger)
	enforcer := budget.NewEnforcer(budget.DefaultConfig(), e.ledger)
	notifier := github.NewNotifier(client, owner, repo)

	gate := opts.gateCommand
	if gate == "" {
		gate = "true"
	}
	verifier := quality.NewRunner(&quality.Config{
		Enabled: true,
		Gates:   []*quality.Gate{{Name: "test", Command: gate, Required: true, Timeout: 10 * time.Second}},
	}, t.TempDir())

	return flow.New(flow.Config{Owner: owner, Repo: repo, FixAttempts: opts.fixAttempts}, flow.Deps{
		Triage: triage.NewAgent(triage.Config{
			Owner: owner, Repo: repo, BatchChars: 5000, Concurrency: 2, ModelType: gemini.ModelFlash,
		}, e.board, client, runner, enforcer, tracker),
		Orchestrator: orchestrator.New(orchestrator.Config{
			Owner: owner, Repo: repo, ModelType: gemini.ModelFlash,
			Workflow: "agent-develop.yml", Ref: "main", LocalExecution: opts.local,
		}, e.board, runner, client, tracker),
		Planner: agents.NewPlanner(agents.PlannerConfig{
			Owner: owner, Repo: repo, ModelType: gemini.ModelPro,
		}, runner, notifier, client, e.board, enforcer, tracker),
		Developer: agents.NewDeveloper(agents.DeveloperConfig{ModelType: gemini.ModelFlash}, runner, enforcer, tracker),
		Verifier:  verifier,
		Syncer:    tracker,
		Board:     e.board,
		Issues:    client,
		Notifier:  notifier,
		Budget:    enforcer,
	})
}

// seedBacklog creates two untriaged Todo issues and scripts triage and
// selection to pick the second one.
func (e *env) seedBacklog(t *testing.T) (first, second int) {
	t.Helper()
	first = e.gh.CreateIssue("Polish dialog animations", "Fade the quest dialog in", nil)
	second = e.gh.CreateIssue("Add caching quest", "Teach cache invalidation in chapter 3", nil)
	e.gh.AddToProject(first, github.StatusTodo)
	e.gh.AddToProject(second, github.StatusTodo)

	e.respond(t, "You are triaging",
		`{"1": {"priority": "P2", "labels": ["ui"], "model": "flash", "reason": "cosmetic"},
		  "2": {"priority": "P0", "labels": ["content"], "model": "flash", "reason": "blocks chapter 3"}}`,
		2000, 300)
	e.respond(t, "task orchestrator", `{"issueNumber": 2, "reason": "highest priority"}`, 800, 50)
	return first, second
}

func hasComment(comments []string, substr string) bool {
	for _, c := range comments {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func TestFlow_LocalExecutionCompletesTask(t *testing.T) {
	e := setup(t)
	first, second := e.seedBacklog(t)
	e.respond(t, "technical planner",
		`{"methodology": "Add a quest module and register it", "files": ["src/quests/caching.js"], "needsDecomposition": false}`,
		3000, 400)
	e.respond(t, "senior developer", `{"summary": "Added the caching quest"}`, 10000, 2000)

	summary, err := e.pipeline(t, pipelineOptions{local: true}).Run(context.Background(), flow.Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Issue != second {
		t.Fatalf("selected #%d, want #%d", summary.Issue, second)
	}
	if got := e.gh.Status(second); got != github.StatusDone {
		t.Errorf("status of #%d = %q, want Done", second, got)
	}
	if got := e.gh.Status(first); got != github.StatusTodo {
		t.Errorf("status of #%d = %q, want Todo", first, got)
	}

	for _, n := range []int{first, second} {
		labels := e.gh.Labels(n)
		if !containsString(labels, github.LabelAITriaged) {
			t.Errorf("#%d labels = %v, want ai-triaged", n, labels)
		}
	}
	if got := e.gh.Field(second, github.FieldNamePriority); got != github.PriorityP0 {
		t.Errorf("priority of #%d = %v", second, got)
	}

	comments := e.gh.Comments(second)
	if !hasComment(comments, usage.Marker) {
		t.Fatalf("missing usage comment on #%d: %v", second, comments)
	}
	if !hasComment(comments, "Add a quest module") {
		t.Error("missing plan comment")
	}
	if !hasComment(comments, "Added the caching quest") {
		t.Error("missing completion comment")
	}

	m, err := findMetrics(comments)
	if err != nil {
		t.Fatal(err)
	}
	ops := map[string]bool{}
	for _, op := range m.Operations {
		ops[op.Operation] = true
	}
	for _, want := range []string{"triage", "orchestration", "planning", "development"} {
		if !ops[want] {
			t.Errorf("usage comment missing %q operation: %+v", want, m.Operations)
		}
	}

	cost, _ := e.gh.Field(second, github.FieldNameCost).(float64)
	if cost <= 0 || cost != m.TotalCost {
		t.Errorf("Cost field = %v, comment total = %v", cost, m.TotalCost)
	}

	rows, err := e.ledger.Summary(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) == 0 {
		t.Error("ledger has no rows")
	}
}

func TestFlow_RemoteDispatch(t *testing.T) {
	e := setup(t)
	_, second := e.seedBacklog(t)

	summary, err := e.pipeline(t, pipelineOptions{}).Run(context.Background(), flow.Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Dispatched {
		t.Fatal("expected remote dispatch")
	}
	if got := e.gh.Status(second); got != github.StatusInProgress {
		t.Errorf("status = %q, want In Progress", got)
	}

	dispatches := e.gh.Dispatches()
	if len(dispatches) != 1 {
		t.Fatalf("dispatches = %+v", dispatches)
	}
	if d := dispatches[0]; d.Workflow != "agent-develop.yml" || d.Ref != "main" || d.Inputs["issue_number"] != "2" {
		t.Errorf("dispatch = %+v", d)
	}
	if st, _ := summary.Stage(flow.StagePlanning); st.Outcome != flow.OutcomeSkipped {
		t.Errorf("planning = %+v", st)
	}
}

func TestFlow_VerificationFailurePausesTask(t *testing.T) {
	e := setup(t)
	_, second := e.seedBacklog(t)
	e.respond(t, "technical planner", `{"methodology": "Write it", "files": [], "needsDecomposition": false}`, 100, 10)
	e.respond(t, "senior developer", `{"summary": "attempted"}`, 100, 10)

	_, err := e.pipeline(t, pipelineOptions{local: true, gateCommand: "echo '2 tests failing'; exit 1"}).
		Run(context.Background(), flow.Options{})
	if !errors.Is(err, quality.ErrGateFailed) {
		t.Fatalf("error = %v, want ErrGateFailed", err)
	}
	if got := e.gh.Status(second); got != github.StatusPaused {
		t.Errorf("status = %q, want Paused", got)
	}
	if !hasComment(e.gh.Comments(second), "2 tests failing") {
		t.Error("pause comment should quote the gate output")
	}
}

func TestFlow_DecompositionCreatesSubIssues(t *testing.T) {
	e := setup(t)
	parent := e.gh.CreateIssue("Chapter 4", "Whole chapter", []string{github.LabelAITriaged})
	e.gh.AddToProject(parent, github.StatusTodo)
	e.respond(t, "technical planner", `{
		"methodology": "Split by scene",
		"files": [],
		"needsDecomposition": true,
		"subTasks": [
			{"title": "Scene 1", "body": "Intro"},
			{"title": "Scene 2", "body": "Boss"}
		]}`, 500, 200)

	summary, err := e.pipeline(t, pipelineOptions{local: true}).Run(context.Background(), flow.Options{
		Issue:      parent,
		SkipTriage: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.FinalStatus != github.StatusTodo {
		t.Errorf("FinalStatus = %q", summary.FinalStatus)
	}

	subs := e.gh.SubIssues(parent)
	if len(subs) != 2 {
		t.Fatalf("sub-issues = %v", subs)
	}
	for _, n := range subs {
		if got := e.gh.Status(n); got != github.StatusTodo {
			t.Errorf("sub-issue #%d status = %q, want Todo", n, got)
		}
		issue, _ := e.gh.Issue(n)
		if !strings.Contains(issue.Body, "#1") {
			t.Errorf("sub-issue body = %q", issue.Body)
		}
	}
	if got := e.gh.Status(parent); got != github.StatusTodo {
		t.Errorf("parent status = %q, want Todo", got)
	}
}

func TestFlow_SelectionPrefersLeafSubIssues(t *testing.T) {
	e := setup(t)
	parent := e.gh.CreateIssue("Chapter 5", "", []string{github.LabelAITriaged})
	child := e.gh.CreateIssue("Chapter 5 scene", "Scene body", []string{github.LabelAITriaged})
	e.gh.LinkSubIssue(parent, child)
	e.gh.AddToProject(parent, github.StatusTodo)
	e.gh.AddToProject(child, github.StatusTodo)

	summary, err := e.pipeline(t, pipelineOptions{}).Run(context.Background(), flow.Options{SkipTriage: true})
	// no "task orchestrator" rule: the model call fails and selection
	// falls back to the deterministic order
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Issue != child {
		t.Errorf("selected #%d, want leaf #%d", summary.Issue, child)
	}
	if summary.Task.Strategy != orchestrator.StrategyDeterministic {
		t.Errorf("strategy = %q", summary.Task.Strategy)
	}
}

func TestFlow_SkipOrchestrationRequiresIssue(t *testing.T) {
	e := setup(t)
	_, err := e.pipeline(t, pipelineOptions{}).Run(context.Background(), flow.Options{SkipOrchestration: true})
	if !errors.Is(err, flow.ErrMissingIssue) {
		t.Errorf("error = %v, want ErrMissingIssue", err)
	}
}

func findMetrics(comments []string) (*usage.Metrics, error) {
	for _, c := range comments {
		if strings.Contains(c, usage.Marker) {
			return usage.ParseComment(c)
		}
	}
	return nil, errors.New("no usage comment")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
