package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alekspetrov/agentflow/internal/testutil"
)

func TestNewClient(t *testing.T) {
	client := NewClient(testutil.FakeGitHubToken)
	if client == nil {
		t.Fatal("NewClient returned nil")
	}
	if client.token != testutil.FakeGitHubToken {
		t.Errorf("client.token = %s, want %s", client.token, testutil.FakeGitHubToken)
	}
	if client.baseURL != githubAPIURL {
		t.Errorf("client.baseURL = %s, want %s", client.baseURL, githubAPIURL)
	}
	if client.retry != nil {
		t.Error("retry should be disabled by default")
	}
}

func TestGetIssue(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		response   interface{}
		wantErr    bool
	}{
		{
			name:       "success",
			statusCode: http.StatusOK,
			response:   Issue{ID: 1001, NodeID: "I_kw42", Number: 42, Title: "Test Issue", State: "open"},
		},
		{
			name:       "not found",
			statusCode: http.StatusNotFound,
			response:   map[string]string{"message": "Not Found"},
			wantErr:    true,
		},
		{
			name:       "unauthorized",
			statusCode: http.StatusUnauthorized,
			response:   map[string]string{"message": "Bad credentials"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/owner/repo/issues/42" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				if r.Method != http.MethodGet {
					t.Errorf("expected GET, got %s", r.Method)
				}
				if r.Header.Get("Authorization") != "Bearer "+testutil.FakeGitHubToken {
					t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
				}
				w.WriteHeader(tt.statusCode)
				_ = json.NewEncoder(w).Encode(tt.response)
			}))
			defer server.Close()

			client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
			issue, err := client.GetIssue(context.Background(), "owner", "repo", 42)

			if (err != nil) != tt.wantErr {
				t.Fatalf("GetIssue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (issue.Number != 42 || issue.NodeID != "I_kw42") {
				t.Errorf("issue = %+v", issue)
			}
		})
	}
}

func TestDoRequestNoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	if _, err := client.GetIssue(context.Background(), "owner", "repo", 1); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDoRequestRetryEnabled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Issue{Number: 1})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL).EnableRetry(fastRetry(3))
	if _, err := client.GetIssue(context.Background(), "owner", "repo", 1); err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestAddComment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/owner/repo/issues/42/comments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["body"] != "Test comment" {
			t.Errorf("unexpected comment body: %s", body["body"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Comment{ID: 123, Body: body["body"]})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	comment, err := client.AddComment(context.Background(), "owner", "repo", 42, "Test comment")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if comment.ID != 123 {
		t.Errorf("comment.ID = %d, want 123", comment.ID)
	}
}

func TestListCommentsPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var comments []Comment
		switch page {
		case "1":
			for i := 0; i < 100; i++ {
				comments = append(comments, Comment{ID: int64(i + 1)})
			}
		case "2":
			comments = []Comment{{ID: 101}, {ID: 102}}
		default:
			t.Errorf("unexpected page %q", page)
		}
		_ = json.NewEncoder(w).Encode(comments)
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	comments, err := client.ListComments(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 102 || comments[101].ID != 102 {
		t.Errorf("got %d comments", len(comments))
	}
}

func TestUpdateComment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/repos/owner/repo/issues/comments/55" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Comment{ID: 55, Body: "updated"})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	comment, err := client.UpdateComment(context.Background(), "owner", "repo", 55, "updated")
	if err != nil {
		t.Fatalf("UpdateComment() error = %v", err)
	}
	if comment.Body != "updated" {
		t.Errorf("Body = %q", comment.Body)
	}
}

func TestAddLabels(t *testing.T) {
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body["labels"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	if err := client.AddLabels(context.Background(), "owner", "repo", 42, []string{"bug", "ai-triaged"}); err != nil {
		t.Fatalf("AddLabels() error = %v", err)
	}
	if strings.Join(got, ",") != "bug,ai-triaged" {
		t.Errorf("labels = %v", got)
	}

	// Empty label list makes no request.
	got = nil
	if err := client.AddLabels(context.Background(), "owner", "repo", 42, nil); err != nil {
		t.Fatalf("AddLabels(nil) error = %v", err)
	}
	if got != nil {
		t.Error("expected no request for empty labels")
	}
}

func TestRemoveLabelIgnoresNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Label does not exist"}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	if err := client.RemoveLabel(context.Background(), "owner", "repo", 42, "blocked"); err != nil {
		t.Errorf("RemoveLabel() error = %v, want nil for 404", err)
	}
}

func TestDispatchWorkflow(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/owner/repo/actions/workflows/agent.yml/dispatches" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	err := client.DispatchWorkflow(context.Background(), "owner", "repo", "agent.yml", "main", map[string]string{"issue_number": "9"})
	if err != nil {
		t.Fatalf("DispatchWorkflow() error = %v", err)
	}
	if body["ref"] != "main" {
		t.Errorf("ref = %v", body["ref"])
	}
	inputs, _ := body["inputs"].(map[string]interface{})
	if inputs["issue_number"] != "9" {
		t.Errorf("inputs = %v", body["inputs"])
	}
}

func TestExecuteGraphQL_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"test":"value"}}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)

	var result map[string]string
	if err := client.ExecuteGraphQL(context.Background(), `{ test }`, nil, &result); err != nil {
		t.Fatalf("ExecuteGraphQL() error = %v", err)
	}
	if result["test"] != "value" {
		t.Errorf("expected test=value, got %v", result)
	}
}

func TestExecuteGraphQL_GraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"not found"}]}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	err := client.ExecuteGraphQL(context.Background(), `{ test }`, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected graphql error containing 'not found', got: %v", err)
	}
}

func TestExecuteGraphQL_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	err := client.ExecuteGraphQL(context.Background(), `{ test }`, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got: %v", err)
	}
}

func TestSubIssues(t *testing.T) {
	var linked int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/owner/repo/issues/10/sub_issues":
			_ = json.NewEncoder(w).Encode([]Issue{{Number: 11, State: "open"}, {Number: 12, State: "closed"}})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/owner/repo/issues":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Issue{ID: 9013, Number: 13})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/owner/repo/issues/10/sub_issues":
			var body map[string]int64
			_ = json.NewDecoder(r.Body).Decode(&body)
			linked = body["sub_issue_id"]
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	subs, err := client.GetSubIssues(context.Background(), "owner", "repo", 10)
	if err != nil {
		t.Fatalf("GetSubIssues() error = %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("got %d sub-issues, want 2", len(subs))
	}

	issue, err := client.CreateSubIssue(context.Background(), "owner", "repo", 10, &IssueInput{Title: "child"})
	if err != nil {
		t.Fatalf("CreateSubIssue() error = %v", err)
	}
	if issue.Number != 13 || linked != 9013 {
		t.Errorf("issue #%d linked id %d, want #13 linked by id 9013", issue.Number, linked)
	}
}

func TestCreateSubIssueLinkFailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sub_issues") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = fmt.Fprint(w, `{"message":"sub-issues not enabled"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{ID: 1, Number: 20})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(testutil.FakeGitHubToken, server.URL)
	issue, err := client.CreateSubIssue(context.Background(), "owner", "repo", 10, &IssueInput{Title: "child"})
	if err != nil {
		t.Fatalf("CreateSubIssue() error = %v, want link failure swallowed", err)
	}
	if issue.Number != 20 {
		t.Errorf("issue.Number = %d, want 20", issue.Number)
	}
}

func TestHasLabel(t *testing.T) {
	issue := &Issue{Labels: []Label{{Name: "Blocked"}}}
	if !HasLabel(issue, "blocked") {
		t.Error("HasLabel should match case-insensitively")
	}
	if HasLabel(issue, "ai-triaged") {
		t.Error("unexpected label match")
	}
}
