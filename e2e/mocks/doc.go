// Package mocks provides mock implementations for E2E testing of agentflow.
//
// This package provides:
//   - GitHubMock: a stateful GitHub server answering the REST issue, comment,
//     label, sub-issue and workflow dispatch endpoints plus the Projects V2
//     GraphQL queries and mutations
//   - GeminiCLIMock: a shell script standing in for the Gemini CLI, answering
//     by matching the prompt
//
// Example usage:
//
//	gh := mocks.NewGitHubMock("owner", "repo")
//	defer gh.Close()
//	n := gh.CreateIssue("Add quest", "Quest body", nil)
//	gh.AddToProject(n, "Todo")
//
//	cli, _ := mocks.NewGeminiCLIMock(t.TempDir())
//	cli.Respond("You are triaging", `{"1": {"priority": "P1"}}`, 100, 20)
package mocks
