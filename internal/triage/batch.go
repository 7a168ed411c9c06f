package triage

import (
	"encoding/json"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
)

// Candidate is an issue queued for triage with its prompt serialization.
type Candidate struct {
	Item       github.ProjectItem
	Serialized string
}

type issuePayload struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// NewCandidate serializes the item as it will appear in the prompt.
func NewCandidate(item github.ProjectItem) Candidate {
	data, _ := json.Marshal(issuePayload{
		Number: item.Number,
		Title:  item.Title,
		Body:   item.Body,
		Labels: item.Labels,
	})
	return Candidate{Item: item, Serialized: string(data)}
}

// Batch groups candidates greedily so each batch's serialized size stays
// within maxChars. A candidate larger than maxChars forms its own batch.
// maxChars <= 0 puts everything in one batch.
func Batch(candidates []Candidate, maxChars int) [][]Candidate {
	if len(candidates) == 0 {
		return nil
	}
	if maxChars <= 0 {
		return [][]Candidate{candidates}
	}

	var batches [][]Candidate
	var current []Candidate
	size := 0
	for _, c := range candidates {
		n := len(c.Serialized)
		if len(current) > 0 && size+n > maxChars {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, c)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
