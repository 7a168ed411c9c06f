package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/agentflow/internal/gemini"
)

// ErrHallucinatedIssue is returned when the model picks an issue that is
// not among the offered leaves.
var ErrHallucinatedIssue = errors.New("model selected an issue that is not a candidate")

// maxBodyChars bounds each issue body quoted in the selection prompt.
const maxBodyChars = 500

type leafPrompt struct {
	Number           int    `json:"number"`
	Title            string `json:"title"`
	Body             string `json:"body,omitempty"`
	Status           string `json:"status"`
	Priority         string `json:"priority,omitempty"`
	Parent           int    `json:"parent,omitempty"`
	ParentTitle      string `json:"parentTitle,omitempty"`
	IsStartedContext bool   `json:"isStartedContext"`
}

type selection struct {
	IssueNumber int    `json:"issueNumber"`
	Reason      string `json:"reason"`
}

// BuildSelectionPrompt renders the leaf list and the selection rules.
func BuildSelectionPrompt(leaves []Leaf) (string, error) {
	list := make([]leafPrompt, 0, len(leaves))
	for _, l := range leaves {
		lp := leafPrompt{
			Number:           l.Item.Number,
			Title:            l.Item.Title,
			Body:             truncate(l.Item.Body, maxBodyChars),
			Status:           l.Item.Status,
			Priority:         l.Item.Priority,
			IsStartedContext: l.IsStartedContext,
		}
		if l.Parent != nil {
			lp.Parent = l.Parent.Number
			lp.ParentTitle = l.Parent.Title
		}
		list = append(list, lp)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal leaves: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are the task orchestrator of a software project. Pick the single next task to work on.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. Prefer already-started work: tasks with isStartedContext=true or status Paused come first.\n")
	b.WriteString("2. Then prefer higher priority (P0 before P1 before P2).\n")
	b.WriteString("3. Prefer tasks that unblock others or finish an epic.\n")
	b.WriteString("4. You MUST choose one of the issue numbers listed below.\n\n")
	b.WriteString("Candidate tasks:\n")
	b.Write(data)
	b.WriteString("\n\nRespond with JSON only: {\"issueNumber\": <number>, \"reason\": \"<one sentence>\"}\n")
	return b.String(), nil
}

// PickWithLLM asks the model to choose among leaves and validates the
// answer. The CLI result is returned even on validation failure so its
// usage can still be tracked.
func PickWithLLM(ctx context.Context, exec gemini.Executor, leaves []Leaf, modelType string) (Leaf, string, *gemini.Result, error) {
	if len(leaves) == 0 {
		return Leaf{}, "", nil, ErrNoCandidates
	}
	prompt, err := BuildSelectionPrompt(leaves)
	if err != nil {
		return Leaf{}, "", nil, err
	}

	res, err := exec.Run(ctx, prompt, gemini.Options{ModelType: modelType, Operation: "orchestration"})
	if err != nil {
		return Leaf{}, "", nil, fmt.Errorf("selection call failed: %w", err)
	}

	var sel selection
	if err := gemini.UnmarshalResponse(res.Response, &sel); err != nil {
		return Leaf{}, "", res, fmt.Errorf("decode selection: %w", err)
	}
	for _, l := range leaves {
		if l.Item.Number == sel.IssueNumber {
			return l, sel.Reason, res, nil
		}
	}
	return Leaf{}, "", res, fmt.Errorf("%w: #%d", ErrHallucinatedIssue, sel.IssueNumber)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
