package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/usage"
)

type fakeBoard struct {
	items    []github.ProjectItem
	statuses map[string]string
	err      error
}

func (b *fakeBoard) Items(context.Context) ([]github.ProjectItem, error) {
	return b.items, b.err
}

func (b *fakeBoard) SetStatus(_ context.Context, itemID, status string) error {
	if b.statuses == nil {
		b.statuses = map[string]string{}
	}
	b.statuses[itemID] = status
	return nil
}

type fakeExecutor struct {
	response string
	err      error
	prompts  []string
}

func (e *fakeExecutor) Run(_ context.Context, prompt string, _ gemini.Options) (*gemini.Result, error) {
	e.prompts = append(e.prompts, prompt)
	if e.err != nil {
		return nil, e.err
	}
	return &gemini.Result{Response: e.response, ModelUsed: "gemini-2.5-flash", InputTokens: 100, OutputTokens: 10}, nil
}

type fakeDispatcher struct {
	calls []map[string]string
}

func (d *fakeDispatcher) DispatchWorkflow(_ context.Context, _, _, _, _ string, inputs map[string]string) error {
	d.calls = append(d.calls, inputs)
	return nil
}

type fakeTracker struct {
	requests []usage.Request
}

func (f *fakeTracker) Track(_ context.Context, req usage.Request) (*usage.Metrics, error) {
	f.requests = append(f.requests, req)
	return &usage.Metrics{}, nil
}

func boardItems() []github.ProjectItem {
	a := item(10, github.StatusTodo, github.PriorityP0)
	a.ID = "ITEM_10"
	b := item(11, github.StatusTodo, github.PriorityP2)
	b.ID = "ITEM_11"
	return []github.ProjectItem{a, b}
}

func TestRun_LLMSelectionDispatches(t *testing.T) {
	board := &fakeBoard{items: boardItems()}
	exec := &fakeExecutor{response: "Sure! {\"issueNumber\": 11, \"reason\": \"unblocks the epic\"}"}
	dispatcher := &fakeDispatcher{}
	tracker := &fakeTracker{}

	o := New(Config{Owner: "o", Repo: "r", Workflow: "dev.yml", Ref: "main"}, board, exec, dispatcher, tracker)
	task, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if task.Item.Number != 11 || task.Strategy != StrategyLLM {
		t.Errorf("task = #%d %s", task.Item.Number, task.Strategy)
	}
	if task.Reason != "unblocks the epic" {
		t.Errorf("Reason = %q", task.Reason)
	}
	if board.statuses["ITEM_11"] != github.StatusInProgress {
		t.Errorf("status = %q, want In Progress", board.statuses["ITEM_11"])
	}
	if !task.Dispatched || len(dispatcher.calls) != 1 || dispatcher.calls[0]["issue_number"] != "11" {
		t.Errorf("dispatch calls = %v", dispatcher.calls)
	}
	if len(tracker.requests) != 1 || tracker.requests[0].Issue != 11 || tracker.requests[0].Operation != "orchestration" {
		t.Errorf("tracked = %+v", tracker.requests)
	}
	if !strings.Contains(exec.prompts[0], "Prefer already-started work") {
		t.Error("prompt missing started-work instruction")
	}
}

func TestRun_HallucinatedIssueFallsBack(t *testing.T) {
	board := &fakeBoard{items: boardItems()}
	exec := &fakeExecutor{response: `{"issueNumber": 999}`}

	o := New(Config{LocalExecution: true}, board, exec, nil, nil)
	task, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if task.Item.Number != 10 || task.Strategy != StrategyDeterministic {
		t.Errorf("task = #%d %s, want deterministic #10", task.Item.Number, task.Strategy)
	}
	if task.Dispatched {
		t.Error("local execution should not dispatch")
	}
}

func TestRun_LLMErrorFallsBack(t *testing.T) {
	board := &fakeBoard{items: boardItems()}
	exec := &fakeExecutor{err: gemini.ErrQuotaExceeded}

	o := New(Config{LocalExecution: true}, board, exec, nil, &fakeTracker{})
	task, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if task.Item.Number != 10 {
		t.Errorf("task = #%d, want #10", task.Item.Number)
	}
}

func TestRun_SkipAI(t *testing.T) {
	board := &fakeBoard{items: boardItems()}
	exec := &fakeExecutor{}

	o := New(Config{SkipAI: true, LocalExecution: true}, board, exec, nil, nil)
	task, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.prompts) != 0 {
		t.Error("model should not be called with SkipAI")
	}
	if task.Item.Number != 10 {
		t.Errorf("task = #%d, want #10", task.Item.Number)
	}
}

func TestRun_DryRunLeavesBoardUntouched(t *testing.T) {
	board := &fakeBoard{items: boardItems()}
	dispatcher := &fakeDispatcher{}
	o := New(Config{SkipAI: true, DryRun: true}, board, nil, dispatcher, nil)

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(board.statuses) != 0 || len(dispatcher.calls) != 0 {
		t.Error("dry run modified the board or dispatched")
	}
}

func TestRun_NoCandidates(t *testing.T) {
	done := item(1, github.StatusDone, "")
	for _, skipAI := range []bool{true, false} {
		o := New(Config{SkipAI: skipAI}, &fakeBoard{items: []github.ProjectItem{done}}, &fakeExecutor{}, nil, nil)
		task, err := o.Run(context.Background())
		if !errors.Is(err, ErrNoCandidates) || task != nil {
			t.Errorf("skipAI=%v: task=%v err=%v, want ErrNoCandidates", skipAI, task, err)
		}
	}
}

func TestPickWithLLM_Hallucination(t *testing.T) {
	leaves := []Leaf{{Item: item(1, github.StatusTodo, "")}}
	_, _, res, err := PickWithLLM(context.Background(), &fakeExecutor{response: `{"issueNumber": 2}`}, leaves, "flash")
	if !errors.Is(err, ErrHallucinatedIssue) {
		t.Errorf("error = %v, want ErrHallucinatedIssue", err)
	}
	if res == nil {
		t.Error("result should be returned for usage tracking")
	}
}

func TestPickWithLLM_NoJSON(t *testing.T) {
	leaves := []Leaf{{Item: item(1, github.StatusTodo, "")}}
	_, _, _, err := PickWithLLM(context.Background(), &fakeExecutor{response: "I pick the first one"}, leaves, "flash")
	if !errors.Is(err, gemini.ErrNoJSON) {
		t.Errorf("error = %v, want ErrNoJSON", err)
	}
}
