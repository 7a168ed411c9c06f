// Package usage accumulates per-issue LLM token and cost metrics in a
// marker comment on the issue and mirrors them to the project board and a
// local SQLite ledger.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
)

// Marker identifies the metrics comment on an issue.
const Marker = "<!-- AI_USAGE_METRICS -->"

// ErrMalformedComment is returned when a marker comment carries no readable metrics.
var ErrMalformedComment = errors.New("malformed usage metrics comment")

// Operation is one tracked LLM call.
type Operation struct {
	ID           string    `json:"id,omitempty"`
	Operation    string    `json:"operation"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// Metrics is the accumulated usage of one issue.
type Metrics struct {
	TotalInputTokens  int64       `json:"totalInputTokens"`
	TotalOutputTokens int64       `json:"totalOutputTokens"`
	TotalCost         float64     `json:"totalCost"`
	Operations        []Operation `json:"operations"`
}

// Merge appends op to existing and recomputes the totals from the full
// operation list. An op whose non-empty ID is already present is skipped.
// existing is not modified; nil means no prior metrics.
func Merge(existing *Metrics, op Operation) *Metrics {
	out := &Metrics{}
	if existing != nil {
		out.Operations = append(out.Operations, existing.Operations...)
	}

	duplicate := false
	if op.ID != "" {
		for _, prev := range out.Operations {
			if prev.ID == op.ID {
				duplicate = true
				break
			}
		}
	}
	if !duplicate {
		out.Operations = append(out.Operations, op)
	}

	out.recompute()
	return out
}

func (m *Metrics) recompute() {
	m.TotalInputTokens, m.TotalOutputTokens, m.TotalCost = 0, 0, 0
	for _, op := range m.Operations {
		m.TotalInputTokens += op.InputTokens
		m.TotalOutputTokens += op.OutputTokens
		m.TotalCost += op.Cost
	}
	m.TotalCost = roundCost(m.TotalCost)
}

func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

var jsonBlock = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n\\s*```")

// IsMetricsComment reports whether body is a usage metrics comment.
func IsMetricsComment(body string) bool {
	return strings.Contains(body, Marker)
}

// ParseComment extracts metrics from a marker comment body.
func ParseComment(body string) (*Metrics, error) {
	if !IsMetricsComment(body) {
		return nil, fmt.Errorf("%w: marker not found", ErrMalformedComment)
	}
	m := jsonBlock.FindStringSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: no json block", ErrMalformedComment)
	}
	var metrics Metrics
	if err := json.Unmarshal([]byte(m[1]), &metrics); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedComment, err)
	}
	return &metrics, nil
}

// FindMetrics returns the first metrics comment and its parsed content,
// or nils when the issue has none.
func FindMetrics(comments []*github.Comment) (*Metrics, *github.Comment, error) {
	for _, c := range comments {
		if !IsMetricsComment(c.Body) {
			continue
		}
		m, err := ParseComment(c.Body)
		if err != nil {
			return nil, c, err
		}
		return m, c, nil
	}
	return nil, nil, nil
}

// RenderComment renders the full comment body: a summary table over every
// operation followed by the raw JSON in a collapsible block.
func RenderComment(m *Metrics) string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("\n## 🤖 AI Usage Metrics\n\n")
	b.WriteString("| Operation | Model | Input Tokens | Output Tokens | Cost | Timestamp |\n")
	b.WriteString("|---|---|---:|---:|---:|---|\n")
	for _, op := range m.Operations {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | $%.4f | %s |\n",
			op.Operation, op.Model,
			formatInt(op.InputTokens), formatInt(op.OutputTokens),
			op.Cost, op.Timestamp.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "| **Total** | | **%s** | **%s** | **$%.4f** | |\n",
		formatInt(m.TotalInputTokens), formatInt(m.TotalOutputTokens), m.TotalCost)

	raw, _ := json.MarshalIndent(m, "", "  ")
	b.WriteString("\n<details>\n<summary>Raw metrics</summary>\n\n```json\n")
	b.Write(raw)
	b.WriteString("\n```\n</details>\n")
	return b.String()
}

// formatInt renders n with thousands separators.
func formatInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
