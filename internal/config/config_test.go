package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/testutil"
)

// clearEnv unsets every variable Load reads so the host environment
// does not leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GH_TOKEN", "GEMINI_API_KEY", "GITHUB_REPOSITORY", "TRIAGE_TOKEN_BUDGET",
		"PLANNING_TOKEN_BUDGET", "DEVELOPER_TOKEN_BUDGET", "LOCAL_EXECUTION",
		"GITHUB_OUTPUT", "AGENTFLOW_CONFIG", "ISSUE_NUMBER", "GITHUB_ISSUE_NUMBER",
		"ISSUE_TITLE", "ISSUE_BODY", "METHODOLOGY", "FILES", "NEEDS_DECOMPOSITION",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Triage.BatchChars != 5000 {
		t.Errorf("Triage.BatchChars = %d, want 5000", cfg.Triage.BatchChars)
	}
	if cfg.Gemini.Timeout != 10*time.Minute {
		t.Errorf("Gemini.Timeout = %v, want 10m", cfg.Gemini.Timeout)
	}
	if cfg.Agents.PlannerModel != gemini.ModelPro {
		t.Errorf("Agents.PlannerModel = %q", cfg.Agents.PlannerModel)
	}
	if cfg.Agents.FixAttempts != 1 {
		t.Errorf("Agents.FixAttempts = %d, want 1", cfg.Agents.FixAttempts)
	}
	if cfg.Budget.OnExceed != budget.ActionStop {
		t.Errorf("Budget.OnExceed = %q", cfg.Budget.OnExceed)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Logging.Output = %q", cfg.Logging.Output)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Triage.BatchChars != 5000 {
		t.Errorf("BatchChars = %d, want default", cfg.Triage.BatchChars)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	t.Setenv("MY_TOKEN", testutil.FakeGitHubToken)
	dir := t.TempDir()
	path := writeFile(t, dir, "agentflow.yaml", `
github:
  token: ${MY_TOKEN}
  owner: acme
  repo: game
  project:
    id: PVT_1
    fields:
      status:
        id: F_STATUS
        options:
          Todo: opt-todo
      cost: F_COST
triage:
  batch_chars: 3000
budget:
  enabled: true
  stages:
    triage: 1000
  daily_limit: 2.5
gemini:
  timeout: 90s
  models:
    flash: [gemini-2.5-flash-lite]
logging: null
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GitHub.Token != testutil.FakeGitHubToken {
		t.Errorf("Token not expanded: %q", cfg.GitHub.Token)
	}
	if cfg.GitHub.Project.Fields.Status.Options["Todo"] != "opt-todo" {
		t.Errorf("status options = %v", cfg.GitHub.Project.Fields.Status.Options)
	}
	if cfg.GitHub.Project.Fields.Cost != "F_COST" {
		t.Errorf("cost field = %q", cfg.GitHub.Project.Fields.Cost)
	}
	if cfg.Triage.BatchChars != 3000 {
		t.Errorf("BatchChars = %d, want 3000", cfg.Triage.BatchChars)
	}
	if cfg.Triage.Concurrency != 4 {
		t.Errorf("Concurrency = %d, default should survive partial section", cfg.Triage.Concurrency)
	}
	if cfg.Budget.Stages.Triage != 1000 || cfg.Budget.DailyLimit != 2.5 {
		t.Errorf("budget = %+v", cfg.Budget)
	}
	if cfg.Gemini.Timeout != 90*time.Second {
		t.Errorf("Gemini.Timeout = %v", cfg.Gemini.Timeout)
	}
	if !reflect.DeepEqual(cfg.Gemini.ModelChain("flash"), []string{"gemini-2.5-flash-lite"}) {
		t.Errorf("flash chain = %v", cfg.Gemini.ModelChain("flash"))
	}
	if cfg.Logging == nil {
		t.Error("null logging section not restored")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "agentflow.yaml", "github: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("GH_TOKEN", testutil.FakeGitHubToken)
	t.Setenv("GEMINI_API_KEY", testutil.FakeGeminiAPIKey)
	t.Setenv("GITHUB_REPOSITORY", "acme/game")
	t.Setenv("TRIAGE_TOKEN_BUDGET", "5000")
	t.Setenv("PLANNING_TOKEN_BUDGET", "7000")
	t.Setenv("DEVELOPER_TOKEN_BUDGET", "9000")
	t.Setenv("LOCAL_EXECUTION", "true")
	t.Setenv("GITHUB_OUTPUT", "/tmp/out")

	path := writeFile(t, t.TempDir(), "agentflow.yaml", "github:\n  token: from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.GitHub.Token != testutil.FakeGitHubToken {
		t.Errorf("GH_TOKEN should override file, got %q", cfg.GitHub.Token)
	}
	if cfg.Gemini.APIKey != testutil.FakeGeminiAPIKey {
		t.Errorf("APIKey = %q", cfg.Gemini.APIKey)
	}
	if cfg.GitHub.Owner != "acme" || cfg.GitHub.Repo != "game" {
		t.Errorf("owner/repo = %s/%s", cfg.GitHub.Owner, cfg.GitHub.Repo)
	}
	want := budget.StageLimits{Triage: 5000, Planning: 7000, Developer: 9000}
	if cfg.Budget.Stages != want {
		t.Errorf("Stages = %+v, want %+v", cfg.Budget.Stages, want)
	}
	if !cfg.Orchestrator.LocalExecution {
		t.Error("LocalExecution not set")
	}
	if cfg.GitHubOutput != "/tmp/out" {
		t.Errorf("GitHubOutput = %q", cfg.GitHubOutput)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TRIAGE_TOKEN_BUDGET", "lots"},
		{"DEVELOPER_TOKEN_BUDGET", "-5"},
		{"LOCAL_EXECUTION", "maybe"},
		{"GITHUB_REPOSITORY", "no-slash"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(filepath.Join(t.TempDir(), "agentflow.yaml")); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_RepositoryDoesNotOverrideFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_REPOSITORY", "other/place")
	path := writeFile(t, t.TempDir(), "agentflow.yaml", "github:\n  owner: acme\n  repo: game\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GitHub.Owner != "acme" || cfg.GitHub.Repo != "game" {
		t.Errorf("owner/repo = %s/%s, want file values", cfg.GitHub.Owner, cfg.GitHub.Repo)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, ".env", "GEMINI_API_KEY="+testutil.FakeGeminiAPIKey+"\nGH_TOKEN=from-dotenv\n")
	path := filepath.Join(dir, "agentflow.yaml")

	t.Setenv("GH_TOKEN", "from-env")
	cfg, err := Load(path)
	t.Cleanup(func() { _ = os.Unsetenv("GEMINI_API_KEY") })
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gemini.APIKey != testutil.FakeGeminiAPIKey {
		t.Errorf("APIKey = %q, want value from .env", cfg.Gemini.APIKey)
	}
	if cfg.GitHub.Token != "from-env" {
		t.Errorf("Token = %q, .env must not override the environment", cfg.GitHub.Token)
	}
}

func TestSaveAndLoad(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.GitHub.Owner = "acme"
	cfg.Triage.BatchChars = 1234

	path := filepath.Join(t.TempDir(), "nested", "agentflow.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.GitHub.Owner != "acme" || loaded.Triage.BatchChars != 1234 {
		t.Errorf("round trip lost values: %+v %+v", loaded.GitHub, loaded.Triage)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.GitHub.Token = testutil.FakeGitHubToken
		cfg.GitHub.Owner = "acme"
		cfg.GitHub.Repo = "game"
		cfg.GitHub.Project.Number = 3
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		errSubstr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.GitHub.Token = "" }, "token"},
		{"missing repo", func(c *Config) { c.GitHub.Repo = "" }, "owner and repo"},
		{"missing project", func(c *Config) { c.GitHub.Project.Number = 0 }, "project"},
		{"bad action", func(c *Config) { c.Budget.OnExceed = "explode" }, "on_exceed"},
		{"negative daily", func(c *Config) { c.Budget.DailyLimit = -1 }, "daily_limit"},
		{"gate without command", func(c *Config) { c.Quality.Gates[0].Command = "" }, "command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSubstr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("error = %v, want substring %q", err, tt.errSubstr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath() = %q", got)
	}
	t.Setenv("AGENTFLOW_CONFIG", "/etc/agentflow.yaml")
	if got := ResolvePath(""); got != "/etc/agentflow.yaml" {
		t.Errorf("ResolvePath() = %q", got)
	}
	if got := ResolvePath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
}

func TestIssueContextFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_ISSUE_NUMBER", "#17")
	t.Setenv("ISSUE_TITLE", "Add quests")
	t.Setenv("METHODOLOGY", "TDD")
	t.Setenv("FILES", `["a.js","b.js"]`)
	t.Setenv("NEEDS_DECOMPOSITION", "false")

	ic, err := IssueContextFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if ic.Number != 17 || ic.Title != "Add quests" || ic.Methodology != "TDD" {
		t.Errorf("ic = %+v", ic)
	}
	if !reflect.DeepEqual(ic.Files, []string{"a.js", "b.js"}) {
		t.Errorf("Files = %v", ic.Files)
	}

	t.Setenv("ISSUE_NUMBER", "abc")
	if _, err := IssueContextFromEnv(); err == nil {
		t.Error("expected error for non-numeric ISSUE_NUMBER")
	}
}

func TestParseFiles(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{`["x.js"]`, []string{"x.js"}},
		{"a.js, b.js", []string{"a.js", "b.js"}},
		{"a.js\nb.js\n", []string{"a.js", "b.js"}},
	}
	for _, tt := range tests {
		if got := ParseFiles(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseFiles(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
