package orchestrator

import (
	"sort"
	"strings"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
)

// Selectable reports whether the item's status makes it a candidate.
func Selectable(item github.ProjectItem) bool {
	return strings.EqualFold(item.Status, github.StatusTodo) ||
		strings.EqualFold(item.Status, github.StatusPaused)
}

// FilterCandidates keeps open items whose status is Todo or Paused.
func FilterCandidates(items []github.ProjectItem) []github.ProjectItem {
	var out []github.ProjectItem
	for _, item := range items {
		if item.State != "" && !strings.EqualFold(item.State, github.StateOpen) {
			continue
		}
		if Selectable(item) {
			out = append(out, item)
		}
	}
	return out
}

func statusRank(status string) int {
	if strings.EqualFold(status, github.StatusPaused) {
		return 0
	}
	return 1
}

// SortCandidates orders candidates in place: Paused before Todo, then by
// priority P0 < P1 < P2 < unset, then by lower issue number.
func SortCandidates(items []github.ProjectItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if pa, pb := github.PriorityRank(a.Priority), github.PriorityRank(b.Priority); pa != pb {
			return pa < pb
		}
		return a.Number < b.Number
	})
}

// SkipReason explains why an item cannot be worked on now, or "" if it can.
func SkipReason(item github.ProjectItem) string {
	switch {
	case item.HasLabel(github.LabelBlocked):
		return "blocked"
	case item.ParentHasLabel(github.LabelBlocked):
		return "parent blocked"
	case len(item.OpenSubIssues()) > 0:
		return "has open sub-issues"
	}
	return ""
}

// SelectDeterministic returns the first workable candidate in sort order,
// or false when none is.
func SelectDeterministic(items []github.ProjectItem) (github.ProjectItem, bool) {
	candidates := FilterCandidates(items)
	SortCandidates(candidates)
	for _, item := range candidates {
		if SkipReason(item) == "" {
			return item, true
		}
	}
	return github.ProjectItem{}, false
}

// Leaf is a workable issue found by descending through open sub-issues.
type Leaf struct {
	Item github.ProjectItem
	// Parent is the immediate parent on the board, nil for a top-level leaf.
	Parent *github.ProjectItem
	// IsStartedContext is set when the leaf or any ancestor is already
	// Paused or In Progress.
	IsStartedContext bool
}

func started(item github.ProjectItem) bool {
	return strings.EqualFold(item.Status, github.StatusPaused) ||
		strings.EqualFold(item.Status, github.StatusInProgress)
}

// DiscoverLeaves descends from every candidate into its open sub-issues
// and returns the issues with no open sub-issues of their own. Sub-issues
// must be on the board (items) to be reached. Blocked leaves, leaves under
// a blocked parent and leaves not in Todo/Paused are dropped. Each leaf
// appears once; cycles in the sub-issue graph are tolerated.
func DiscoverLeaves(items []github.ProjectItem) []Leaf {
	index := make(map[int]github.ProjectItem, len(items))
	for _, item := range items {
		index[item.Number] = item
	}

	candidates := FilterCandidates(items)
	SortCandidates(candidates)

	var leaves []Leaf
	seen := make(map[int]int)

	var visit func(item github.ProjectItem, parent *github.ProjectItem, startedCtx bool, path map[int]bool)
	visit = func(item github.ProjectItem, parent *github.ProjectItem, startedCtx bool, path map[int]bool) {
		if path[item.Number] {
			return
		}
		path[item.Number] = true
		defer delete(path, item.Number)

		if item.HasLabel(github.LabelBlocked) {
			return
		}
		startedCtx = startedCtx || started(item)

		open := item.OpenSubIssues()
		if len(open) == 0 {
			if !Selectable(item) || item.ParentHasLabel(github.LabelBlocked) {
				return
			}
			if i, ok := seen[item.Number]; ok {
				leaves[i].IsStartedContext = leaves[i].IsStartedContext || startedCtx
				return
			}
			seen[item.Number] = len(leaves)
			leaves = append(leaves, Leaf{
				Item:             item,
				Parent:           parentOf(item, parent, index),
				IsStartedContext: startedCtx || ancestorStarted(item, index),
			})
			return
		}

		self := item
		for _, sub := range open {
			child, ok := index[sub.Number]
			if !ok {
				continue
			}
			visit(child, &self, startedCtx, path)
		}
	}

	for _, c := range candidates {
		visit(c, nil, false, map[int]bool{})
	}
	return leaves
}

// ancestorStarted walks the ParentNumber chain through index up to the
// root and reports whether any ancestor is started.
func ancestorStarted(item github.ProjectItem, index map[int]github.ProjectItem) bool {
	visited := map[int]bool{item.Number: true}
	for n := item.ParentNumber; n != 0 && !visited[n]; {
		visited[n] = true
		p, ok := index[n]
		if !ok {
			return false
		}
		if started(p) {
			return true
		}
		n = p.ParentNumber
	}
	return false
}

func parentOf(item github.ProjectItem, parent *github.ProjectItem, index map[int]github.ProjectItem) *github.ProjectItem {
	if parent != nil {
		return parent
	}
	if p, ok := index[item.ParentNumber]; ok && item.ParentNumber != 0 {
		return &p
	}
	return nil
}

// SelectLeafDeterministic applies the deterministic order to leaves.
func SelectLeafDeterministic(leaves []Leaf) (Leaf, bool) {
	if len(leaves) == 0 {
		return Leaf{}, false
	}
	items := make([]github.ProjectItem, len(leaves))
	byNumber := make(map[int]Leaf, len(leaves))
	for i, l := range leaves {
		items[i] = l.Item
		byNumber[l.Item.Number] = l
	}
	SortCandidates(items)
	return byNumber[items[0].Number], true
}
