// Package e2e provides end-to-end tests for the agentflow pipeline.
//
// These tests drive the complete flow against mocks:
//  1. Todo issues are triaged (priority, labels, model)
//  2. The next leaf task is selected and marked In Progress
//  3. The task is planned, or decomposed into sub-issues
//  4. The developer agent runs (mocked Gemini CLI)
//  5. Verification gates run as shell commands
//  6. The task ends Done or Paused and costs are synced to the board
//
// Run with: go test -v ./e2e/...
//
// Skip in short mode: go test -short ./...
//
// # Test Structure
//
//   - flow_test.go: pipeline scenarios
//   - mocks/github.go: stateful GitHub REST and Projects V2 GraphQL mock
//   - mocks/gemini.go: mock Gemini CLI executable
package e2e
