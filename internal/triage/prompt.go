package triage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/gemini"
)

// Decision is the model's classification of one issue.
type Decision struct {
	Priority string   `json:"priority"`
	Labels   []string `json:"labels"`
	Model    string   `json:"model"`
	Reason   string   `json:"reason"`
}

// BuildPrompt renders the triage instructions followed by the batch.
func BuildPrompt(batch []Candidate) string {
	var b strings.Builder
	b.WriteString("You are triaging GitHub issues for a software project.\n\n")
	b.WriteString("For every issue below decide:\n")
	b.WriteString("- priority: P0 (critical, blocks others), P1 (important), or P2 (nice to have)\n")
	b.WriteString("- labels: a short list of topical labels such as bug, feature, docs, refactor, test\n")
	fmt.Fprintf(&b, "- model: the model class to implement it with: %q for complex work, %q for routine work, %q for trivial edits\n",
		gemini.ModelPro, gemini.ModelFlash, gemini.ModelFlashLite)
	b.WriteString("- reason: one sentence\n\n")
	b.WriteString("Issues (one JSON object per line):\n")
	for _, c := range batch {
		b.WriteString(c.Serialized)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with a single JSON object keyed by issue number, for example:\n")
	b.WriteString(`{"12": {"priority": "P1", "labels": ["bug"], "model": "flash", "reason": "..."}}`)
	b.WriteString("\n")
	return b.String()
}

// ParseDecisions decodes the response map and keys it by issue number.
func ParseDecisions(response string) (map[int]Decision, error) {
	var raw map[string]Decision
	if err := gemini.UnmarshalResponse(response, &raw); err != nil {
		return nil, err
	}
	out := make(map[int]Decision, len(raw))
	for k, d := range raw {
		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(k), "#"))
		if err != nil {
			return nil, fmt.Errorf("invalid issue key %q", k)
		}
		d.Priority = normalizePriority(d.Priority)
		out[n] = d
	}
	return out, nil
}

func normalizePriority(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	switch p {
	case github.PriorityP0, github.PriorityP1, github.PriorityP2:
		return p
	}
	return ""
}
