// Package testutil provides testing utilities for the agentflow project.
package testutil

// Safe test credentials that won't trigger GitHub's push protection.
// These are intentionally simple and obviously fake to avoid secret scanning.
const (
	// FakeGitHubToken is a safe test token for GitHub API authentication.
	FakeGitHubToken = "test-github-token"

	// FakeGeminiAPIKey is a safe test API key for the Gemini CLI.
	FakeGeminiAPIKey = "test-gemini-api-key"
)
