package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// GetSubIssues lists the sub-issues of an issue.
func (c *Client) GetSubIssues(ctx context.Context, owner, repo string, number int) ([]*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/sub_issues?per_page=100", owner, repo, number)
	var issues []*Issue
	if err := c.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, fmt.Errorf("get sub-issues of #%d: %w", number, err)
	}
	return issues, nil
}

// AddSubIssue links an existing issue (by its numeric ID, not number) under a parent.
func (c *Client) AddSubIssue(ctx context.Context, owner, repo string, parent int, subIssueID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/sub_issues", owner, repo, parent)
	if err := c.do(ctx, http.MethodPost, path, map[string]int64{"sub_issue_id": subIssueID}, nil); err != nil {
		return fmt.Errorf("link sub-issue to #%d: %w", parent, err)
	}
	return nil
}

// CreateSubIssue creates an issue and links it under parent. A failed link
// is logged and the created issue is still returned.
func (c *Client) CreateSubIssue(ctx context.Context, owner, repo string, parent int, input *IssueInput) (*Issue, error) {
	issue, err := c.CreateIssue(ctx, owner, repo, input)
	if err != nil {
		return nil, fmt.Errorf("create sub-issue of #%d: %w", parent, err)
	}

	if err := c.AddSubIssue(ctx, owner, repo, parent, issue.ID); err != nil {
		c.log.Warn("Sub-issue created but not linked",
			slog.Int("parent", parent),
			slog.Int("issue", issue.Number),
			slog.Any("error", err),
		)
	}
	return issue, nil
}
