package github

import (
	"context"
	"fmt"
	"strings"
)

// Notifier posts pipeline progress comments to issues.
type Notifier struct {
	client *Client
	owner  string
	repo   string
}

// NewNotifier creates a new GitHub notifier
func NewNotifier(client *Client, owner, repo string) *Notifier {
	return &Notifier{client: client, owner: owner, repo: repo}
}

// NotifyTaskStarted posts the comment announcing a selected task.
func (n *Notifier) NotifyTaskStarted(ctx context.Context, issueNum int, runID string, remote bool) error {
	where := "locally"
	if remote {
		where = "in a dispatched workflow"
	}
	comment := fmt.Sprintf("🤖 **agentflow picked up this issue**\n\nRun ID: `%s`\n\nDevelopment runs %s.", runID, where)
	if _, err := n.client.AddComment(ctx, n.owner, n.repo, issueNum, comment); err != nil {
		return fmt.Errorf("failed to add start comment: %w", err)
	}
	return nil
}

// NotifyPlan posts the implementation plan.
func (n *Notifier) NotifyPlan(ctx context.Context, issueNum int, methodology string, files []string, subTasks []string) error {
	var b strings.Builder
	b.WriteString("📋 **Implementation plan**\n\n")
	b.WriteString(methodology)
	b.WriteString("\n")
	if len(files) > 0 {
		b.WriteString("\n**Files**:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	if len(subTasks) > 0 {
		b.WriteString("\n**Decomposed into**:\n")
		for _, s := range subTasks {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if _, err := n.client.AddComment(ctx, n.owner, n.repo, issueNum, b.String()); err != nil {
		return fmt.Errorf("failed to add plan comment: %w", err)
	}
	return nil
}

// NotifyTaskCompleted posts the completion comment.
func (n *Notifier) NotifyTaskCompleted(ctx context.Context, issueNum int, summary string) error {
	var comment strings.Builder
	comment.WriteString("✅ **agentflow completed this task**\n\n")
	if summary != "" {
		comment.WriteString("**Summary**:\n")
		comment.WriteString(summary)
		comment.WriteString("\n")
	}
	if _, err := n.client.AddComment(ctx, n.owner, n.repo, issueNum, comment.String()); err != nil {
		return fmt.Errorf("failed to add completion comment: %w", err)
	}
	return nil
}

// NotifyTaskPaused posts verification feedback after a failed run.
func (n *Notifier) NotifyTaskPaused(ctx context.Context, issueNum int, reason string) error {
	comment := fmt.Sprintf("⏸️ **agentflow paused this task**\n\n%s\n\n_The task returns to the queue ahead of new work on the next run._", reason)
	if _, err := n.client.AddComment(ctx, n.owner, n.repo, issueNum, comment); err != nil {
		return fmt.Errorf("failed to add pause comment: %w", err)
	}
	return nil
}
