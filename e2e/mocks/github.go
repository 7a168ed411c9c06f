package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
)

// Project node and field IDs served by the mock.
const (
	ProjectID       = "PVT_mock"
	StatusFieldID   = "F_STATUS"
	PriorityFieldID = "F_PRIORITY"
	ModelFieldID    = "F_MODEL"
	CostFieldID     = "F_COST"
)

var selectOptions = map[string][]string{
	github.FieldNameStatus:   {github.StatusTodo, github.StatusInProgress, github.StatusPaused, github.StatusDone},
	github.FieldNamePriority: {github.PriorityP0, github.PriorityP1, github.PriorityP2},
}

var fieldNames = map[string]string{
	StatusFieldID:   github.FieldNameStatus,
	PriorityFieldID: github.FieldNamePriority,
	ModelFieldID:    github.FieldNameModel,
	CostFieldID:     github.FieldNameCost,
}

func optionID(field, name string) string {
	return "OPT_" + field + "_" + strings.ReplaceAll(name, " ", "_")
}

// Dispatch is a recorded workflow_dispatch call.
type Dispatch struct {
	Workflow string
	Ref      string
	Inputs   map[string]string
}

type mockIssue struct {
	issue     github.Issue
	comments  []*github.Comment
	parent    int
	subIssues []int
}

type mockItem struct {
	id     string
	number int
	fields map[string]interface{}
}

// GitHubMock provides a mock GitHub API server for E2E testing.
// It tracks state across requests to simulate real GitHub behavior.
type GitHubMock struct {
	server *httptest.Server
	owner  string
	repo   string

	mu          sync.RWMutex
	issues      map[int]*mockIssue
	items       map[string]*mockItem
	dispatches  []Dispatch
	nextIssue   int
	nextComment int64
	nextItem    int
}

// NewGitHubMock creates a new mock GitHub API server.
func NewGitHubMock(owner, repo string) *GitHubMock {
	m := &GitHubMock{
		owner:       owner,
		repo:        repo,
		issues:      make(map[int]*mockIssue),
		items:       make(map[string]*mockItem),
		nextIssue:   1,
		nextComment: 1,
		nextItem:    1,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

// URL returns the base URL of the mock server.
func (m *GitHubMock) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *GitHubMock) Close() {
	m.server.Close()
}

// CreateIssue adds an open issue and returns its number.
func (m *GitHubMock) CreateIssue(title, body string, labels []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createIssueLocked(title, body, labels).Number
}

func (m *GitHubMock) createIssueLocked(title, body string, labels []string) *github.Issue {
	n := m.nextIssue
	m.nextIssue++

	issueLabels := make([]github.Label, len(labels))
	for i, l := range labels {
		issueLabels[i] = github.Label{Name: l}
	}
	mi := &mockIssue{issue: github.Issue{
		ID:        int64(n) * 1000,
		NodeID:    "I_" + strconv.Itoa(n),
		Number:    n,
		Title:     title,
		Body:      body,
		State:     github.StateOpen,
		Labels:    issueLabels,
		HTMLURL:   fmt.Sprintf("%s/%s/%s/issues/%d", m.server.URL, m.owner, m.repo, n),
		CreatedAt: time.Now(),
	}}
	m.issues[n] = mi
	return &mi.issue
}

// CloseIssue marks an issue closed.
func (m *GitHubMock) CloseIssue(number int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mi, ok := m.issues[number]; ok {
		mi.issue.State = github.StateClosed
	}
}

// LinkSubIssue makes child a sub-issue of parent.
func (m *GitHubMock) LinkSubIssue(parent, child int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkLocked(parent, child)
}

func (m *GitHubMock) linkLocked(parent, child int) {
	p, c := m.issues[parent], m.issues[child]
	if p == nil || c == nil {
		return
	}
	p.subIssues = append(p.subIssues, child)
	c.parent = parent
}

// AddToProject puts the issue on the board with the given status and
// returns the item ID.
func (m *GitHubMock) AddToProject(number int, status string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.itemLocked(number)
	if status != "" {
		item.fields[github.FieldNameStatus] = status
	}
	return item.id
}

func (m *GitHubMock) itemLocked(number int) *mockItem {
	if it := m.findItemLocked(number); it != nil {
		return it
	}
	it := &mockItem{id: "PVTI_" + strconv.Itoa(m.nextItem), number: number, fields: map[string]interface{}{}}
	m.nextItem++
	m.items[it.id] = it
	return it
}

func (m *GitHubMock) findItemLocked(number int) *mockItem {
	for _, it := range m.items {
		if it.number == number {
			return it
		}
	}
	return nil
}

// SetField sets a board field of the issue's item.
func (m *GitHubMock) SetField(number int, field string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemLocked(number).fields[field] = value
}

// Field returns a board field of the issue's item, nil when unset.
func (m *GitHubMock) Field(number int, field string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if it := m.findItemLocked(number); it != nil {
		return it.fields[field]
	}
	return nil
}

// Status returns the Status option of the issue's item.
func (m *GitHubMock) Status(number int) string {
	s, _ := m.Field(number, github.FieldNameStatus).(string)
	return s
}

// OnBoard reports whether the issue has a project item.
func (m *GitHubMock) OnBoard(number int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findItemLocked(number) != nil
}

// Issue returns a copy of the issue.
func (m *GitHubMock) Issue(number int) (github.Issue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mi, ok := m.issues[number]
	if !ok {
		return github.Issue{}, false
	}
	return mi.issue, true
}

// Labels returns the label names of an issue.
func (m *GitHubMock) Labels(number int) []string {
	issue, _ := m.Issue(number)
	names := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Comments returns the comment bodies of an issue, oldest first.
func (m *GitHubMock) Comments(number int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mi, ok := m.issues[number]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(mi.comments))
	for _, c := range mi.comments {
		out = append(out, c.Body)
	}
	return out
}

// SubIssues returns the sub-issue numbers of an issue.
func (m *GitHubMock) SubIssues(number int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mi, ok := m.issues[number]; ok {
		return append([]int(nil), mi.subIssues...)
	}
	return nil
}

// Dispatches returns the recorded workflow dispatches.
func (m *GitHubMock) Dispatches() []Dispatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Dispatch(nil), m.dispatches...)
}

// handleRequest routes requests to appropriate handlers.
func (m *GitHubMock) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/graphql" && r.Method == http.MethodPost {
		m.handleGraphQL(w, r)
		return
	}

	// /repos/{owner}/{repo}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "repos" {
		http.NotFound(w, r)
		return
	}
	rest := parts[3:]

	switch {
	case rest[0] == "actions" && len(rest) == 4 && rest[3] == "dispatches" && r.Method == http.MethodPost:
		m.handleDispatch(w, r, rest[2])

	case rest[0] != "issues":
		http.NotFound(w, r)

	// POST /issues
	case len(rest) == 1 && r.Method == http.MethodPost:
		m.handleCreateIssue(w, r)

	// PATCH /issues/comments/{id}
	case len(rest) == 3 && rest[1] == "comments" && r.Method == http.MethodPatch:
		m.handleUpdateComment(w, r, rest[2])

	// GET /issues/{number}
	case len(rest) == 2 && r.Method == http.MethodGet:
		m.withIssue(w, rest[1], func(mi *mockIssue) { writeJSON(w, http.StatusOK, mi.issue) })

	// /issues/{number}/comments
	case len(rest) == 3 && rest[2] == "comments":
		m.handleComments(w, r, rest[1])

	// POST /issues/{number}/labels
	case len(rest) == 3 && rest[2] == "labels" && r.Method == http.MethodPost:
		m.handleAddLabels(w, r, rest[1])

	// DELETE /issues/{number}/labels/{name}
	case len(rest) == 4 && rest[2] == "labels" && r.Method == http.MethodDelete:
		m.handleRemoveLabel(w, rest[1], rest[3])

	// /issues/{number}/sub_issues
	case len(rest) == 3 && rest[2] == "sub_issues":
		m.handleSubIssues(w, r, rest[1])

	default:
		http.NotFound(w, r)
	}
}

// withIssue runs fn with the issue under the write lock, or writes 404.
func (m *GitHubMock) withIssue(w http.ResponseWriter, raw string, fn func(mi *mockIssue)) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, "bad issue number", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.issues[n]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	fn(mi)
}

func (m *GitHubMock) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var input github.IssueInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	issue := m.createIssueLocked(input.Title, input.Body, input.Labels)
	out := *issue
	m.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func (m *GitHubMock) handleComments(w http.ResponseWriter, r *http.Request, raw string) {
	switch r.Method {
	case http.MethodGet:
		m.withIssue(w, raw, func(mi *mockIssue) {
			// every comment fits the first page
			if page := r.URL.Query().Get("page"); page != "" && page != "1" {
				writeJSON(w, http.StatusOK, []*github.Comment{})
				return
			}
			writeJSON(w, http.StatusOK, mi.comments)
		})
	case http.MethodPost:
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.withIssue(w, raw, func(mi *mockIssue) {
			c := &github.Comment{ID: m.nextComment, Body: body.Body, CreatedAt: time.Now()}
			m.nextComment++
			mi.comments = append(mi.comments, c)
			writeJSON(w, http.StatusCreated, c)
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *GitHubMock) handleUpdateComment(w http.ResponseWriter, r *http.Request, raw string) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "bad comment id", http.StatusBadRequest)
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mi := range m.issues {
		for _, c := range mi.comments {
			if c.ID == id {
				c.Body = body.Body
				c.UpdatedAt = time.Now()
				writeJSON(w, http.StatusOK, c)
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (m *GitHubMock) handleAddLabels(w http.ResponseWriter, r *http.Request, raw string) {
	var body struct {
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.withIssue(w, raw, func(mi *mockIssue) {
		for _, name := range body.Labels {
			if !github.HasLabel(&mi.issue, name) {
				mi.issue.Labels = append(mi.issue.Labels, github.Label{Name: name})
			}
		}
		writeJSON(w, http.StatusOK, mi.issue.Labels)
	})
}

func (m *GitHubMock) handleRemoveLabel(w http.ResponseWriter, raw, name string) {
	m.withIssue(w, raw, func(mi *mockIssue) {
		kept := mi.issue.Labels[:0]
		found := false
		for _, l := range mi.issue.Labels {
			if strings.EqualFold(l.Name, name) {
				found = true
				continue
			}
			kept = append(kept, l)
		}
		mi.issue.Labels = kept
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Label does not exist"})
			return
		}
		writeJSON(w, http.StatusOK, mi.issue.Labels)
	})
}

func (m *GitHubMock) handleSubIssues(w http.ResponseWriter, r *http.Request, raw string) {
	switch r.Method {
	case http.MethodGet:
		m.withIssue(w, raw, func(mi *mockIssue) {
			out := make([]github.Issue, 0, len(mi.subIssues))
			for _, n := range mi.subIssues {
				out = append(out, m.issues[n].issue)
			}
			writeJSON(w, http.StatusOK, out)
		})
	case http.MethodPost:
		var body struct {
			SubIssueID int64 `json:"sub_issue_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.withIssue(w, raw, func(mi *mockIssue) {
			child := int(body.SubIssueID / 1000)
			if _, ok := m.issues[child]; !ok {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "sub-issue not found"})
				return
			}
			m.linkLocked(mi.issue.Number, child)
			writeJSON(w, http.StatusCreated, mi.issue)
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *GitHubMock) handleDispatch(w http.ResponseWriter, r *http.Request, workflow string) {
	var body struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.dispatches = append(m.dispatches, Dispatch{Workflow: workflow, Ref: body.Ref, Inputs: body.Inputs})
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// handleGraphQL answers the Projects V2 queries by recognising their shape.
func (m *GitHubMock) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var data interface{}
	var err error
	q := req.Query
	switch {
	case strings.Contains(q, "organization(login"):
		data = map[string]interface{}{"organization": map[string]interface{}{"projectV2": map[string]string{"id": ProjectID}}}
	case strings.Contains(q, "user(login"):
		data = map[string]interface{}{"user": map[string]interface{}{"projectV2": map[string]string{"id": ProjectID}}}
	case strings.Contains(q, "fields(first"):
		data = m.projectFields()
	case strings.Contains(q, "items(first"):
		data = m.projectItems()
	case strings.Contains(q, "updateProjectV2ItemFieldValue"):
		data, err = m.updateField(req.Variables)
	case strings.Contains(q, "addProjectV2ItemById"):
		data, err = m.addItem(req.Variables)
	case strings.Contains(q, "projectItems(first"):
		data = m.issueProjectItems(req.Variables)
	default:
		err = fmt.Errorf("unsupported query")
	}

	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"errors": []map[string]string{{"message": err.Error()}},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (m *GitHubMock) projectFields() interface{} {
	var nodes []map[string]interface{}
	ids := make([]string, 0, len(fieldNames))
	for id := range fieldNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		name := fieldNames[id]
		node := map[string]interface{}{"id": id, "name": name}
		if opts, ok := selectOptions[name]; ok {
			node["dataType"] = "SINGLE_SELECT"
			var options []map[string]string
			for _, o := range opts {
				options = append(options, map[string]string{"id": optionID(name, o), "name": o})
			}
			node["options"] = options
		} else if name == github.FieldNameCost {
			node["dataType"] = "NUMBER"
		} else {
			node["dataType"] = "TEXT"
		}
		nodes = append(nodes, node)
	}
	return map[string]interface{}{"node": map[string]interface{}{"fields": map[string]interface{}{"nodes": nodes}}}
}

func labelNodes(labels []github.Label) map[string]interface{} {
	nodes := make([]map[string]string, 0, len(labels))
	for _, l := range labels {
		nodes = append(nodes, map[string]string{"name": l.Name})
	}
	return map[string]interface{}{"nodes": nodes}
}

func (m *GitHubMock) projectItems() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*mockItem, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].number < items[j].number })

	var nodes []map[string]interface{}
	for _, it := range items {
		mi := m.issues[it.number]
		if mi == nil {
			continue
		}

		var values []map[string]interface{}
		for name, v := range it.fields {
			fv := map[string]interface{}{"field": map[string]string{"name": name}}
			switch val := v.(type) {
			case string:
				if _, ok := selectOptions[name]; ok {
					fv["name"] = val
				} else {
					fv["text"] = val
				}
			case float64:
				fv["number"] = val
			}
			values = append(values, fv)
		}

		subs := make([]map[string]interface{}, 0, len(mi.subIssues))
		for _, n := range mi.subIssues {
			subs = append(subs, map[string]interface{}{"number": n, "state": strings.ToUpper(m.issues[n].issue.State)})
		}

		content := map[string]interface{}{
			"id":        mi.issue.NodeID,
			"number":    mi.issue.Number,
			"title":     mi.issue.Title,
			"body":      mi.issue.Body,
			"state":     strings.ToUpper(mi.issue.State),
			"labels":    labelNodes(mi.issue.Labels),
			"subIssues": map[string]interface{}{"nodes": subs},
			"parent":    nil,
		}
		if p := m.issues[mi.parent]; mi.parent != 0 && p != nil {
			content["parent"] = map[string]interface{}{"number": p.issue.Number, "labels": labelNodes(p.issue.Labels)}
		}

		nodes = append(nodes, map[string]interface{}{
			"id":          it.id,
			"fieldValues": map[string]interface{}{"nodes": values},
			"content":     content,
		})
	}

	return map[string]interface{}{"node": map[string]interface{}{"items": map[string]interface{}{
		"pageInfo": map[string]interface{}{"hasNextPage": false, "endCursor": ""},
		"nodes":    nodes,
	}}}
}

func (m *GitHubMock) updateField(vars map[string]interface{}) (interface{}, error) {
	itemID, _ := vars["itemID"].(string)
	fieldID, _ := vars["fieldID"].(string)
	value, _ := vars["value"].(map[string]interface{})

	name, ok := fieldNames[fieldID]
	if !ok {
		return nil, fmt.Errorf("field %s not found", fieldID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}

	switch {
	case value["singleSelectOptionId"] != nil:
		opt, _ := value["singleSelectOptionId"].(string)
		matched := false
		for _, o := range selectOptions[name] {
			if optionID(name, o) == opt {
				it.fields[name] = o
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("option %s not found", opt)
		}
	case value["text"] != nil:
		it.fields[name], _ = value["text"].(string)
	case value["number"] != nil:
		it.fields[name], _ = value["number"].(float64)
	default:
		return nil, fmt.Errorf("empty field value")
	}
	return map[string]interface{}{"updateProjectV2ItemFieldValue": map[string]interface{}{"projectV2Item": map[string]string{"id": itemID}}}, nil
}

func issueNumberFromNodeID(nodeID string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(nodeID, "I_"))
	return n
}

func (m *GitHubMock) addItem(vars map[string]interface{}) (interface{}, error) {
	contentID, _ := vars["contentID"].(string)
	n := issueNumberFromNodeID(contentID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[n]; !ok {
		return nil, fmt.Errorf("content %s not found", contentID)
	}
	it := m.itemLocked(n)
	return map[string]interface{}{"addProjectV2ItemById": map[string]interface{}{"item": map[string]string{"id": it.id}}}, nil
}

func (m *GitHubMock) issueProjectItems(vars map[string]interface{}) interface{} {
	issueID, _ := vars["issueID"].(string)
	n := issueNumberFromNodeID(issueID)

	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := []map[string]interface{}{}
	if it := m.findItemLocked(n); it != nil {
		nodes = append(nodes, map[string]interface{}{"id": it.id, "project": map[string]string{"id": ProjectID}})
	}
	return map[string]interface{}{"node": map[string]interface{}{"projectItems": map[string]interface{}{"nodes": nodes}}}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
