package health

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/alekspetrov/agentflow/internal/config"
	"github.com/alekspetrov/agentflow/internal/testutil"
)

func TestStatusSymbol(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "✓"},
		{StatusWarning, "○"},
		{StatusError, "✗"},
		{StatusDisabled, "·"},
		{Status(99), "?"},
	}
	for _, tt := range tests {
		if got := tt.status.Symbol(); got != tt.want {
			t.Errorf("Status(%d).Symbol() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusWarning, "warning"},
		{StatusError, "error"},
		{StatusDisabled, "disabled"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func fakeChecker(present ...string) *Checker {
	found := map[string]bool{}
	for _, p := range present {
		found[p] = true
	}
	return &Checker{
		LookPath: func(file string) (string, error) {
			if found[file] {
				return "/usr/bin/" + file, nil
			}
			return "", errors.New("not found")
		},
		Version: func(cmd string, args ...string) string {
			if found[cmd] {
				return "2.45.0"
			}
			return ""
		},
	}
}

func findCheck(checks []Check, name string) (Check, bool) {
	for _, c := range checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestRun_DefaultConfigReportsMissingSettings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "nested", "usage.db")

	report := fakeChecker("npx", "git", "sh").Run(cfg)

	for _, name := range []string{"gemini", "git", "sh"} {
		c, ok := findCheck(report.Dependencies, name)
		if !ok || c.Status != StatusOK {
			t.Errorf("dependency %s = %+v", name, c)
		}
	}
	for _, name := range []string{"github token", "repository", "project"} {
		c, ok := findCheck(report.Config, name)
		if !ok || c.Status != StatusError || c.Fix == "" {
			t.Errorf("config %s = %+v, want error with fix", name, c)
		}
	}
	if c, _ := findCheck(report.Config, "gemini api key"); c.Status != StatusWarning {
		t.Errorf("gemini api key = %+v", c)
	}
	if c, _ := findCheck(report.Config, "usage ledger"); c.Status != StatusOK {
		t.Errorf("usage ledger = %+v", c)
	}

	errs, warnings := report.Summary()
	if errs != 3 || warnings != 1 {
		t.Errorf("Summary() = %d errors, %d warnings", errs, warnings)
	}
}

func TestRun_ConfiguredProject(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GitHub.Token = testutil.FakeGitHubToken
	cfg.GitHub.Owner, cfg.GitHub.Repo = "quest-org", "quest-game"
	cfg.GitHub.Project.Number = 3
	cfg.Gemini.APIKey = testutil.FakeGeminiAPIKey
	cfg.Gemini.Command = "gemini"
	cfg.Ledger.Enabled = false

	report := fakeChecker("git").Run(cfg)

	if c, _ := findCheck(report.Dependencies, "gemini"); c.Status != StatusError {
		t.Errorf("missing custom gemini command should be an error: %+v", c)
	}
	if c, _ := findCheck(report.Dependencies, "sh"); c.Status != StatusWarning {
		t.Errorf("sh = %+v", c)
	}
	if c, _ := findCheck(report.Config, "project"); c.Status != StatusOK || c.Message != "#3 (IDs resolved by name)" {
		t.Errorf("project = %+v", c)
	}
	if _, ok := findCheck(report.Config, "usage ledger"); ok {
		t.Error("disabled ledger should not be checked")
	}
}

func TestFeatures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Schedule.Enabled = true
	cfg.Orchestrator.LocalExecution = false

	features := checkFeatures(cfg)
	byName := map[string]FeatureStatus{}
	for _, f := range features {
		byName[f.Name] = f
	}

	if f := byName["Schedule"]; !f.Enabled || f.Note != "0 */4 * * * UTC" {
		t.Errorf("Schedule = %+v", f)
	}
	if f := byName["Local execution"]; f.Enabled || f.Note != "dispatches agent-develop.yml" {
		t.Errorf("Local execution = %+v", f)
	}
	if f := byName["Budget"]; f.Status != StatusOK {
		t.Errorf("Budget = %+v", f)
	}
}
