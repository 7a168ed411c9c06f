// Package config loads agentflow configuration from YAML, a local .env file
// and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/agentflow/internal/adapters/github"
	"github.com/alekspetrov/agentflow/internal/budget"
	"github.com/alekspetrov/agentflow/internal/gemini"
	"github.com/alekspetrov/agentflow/internal/logging"
	"github.com/alekspetrov/agentflow/internal/quality"
)

// DefaultPath is used when neither --config nor AGENTFLOW_CONFIG is set.
const DefaultPath = "agentflow.yaml"

// Config represents the main configuration
type Config struct {
	Version      string              `yaml:"version"`
	GitHub       *github.Config      `yaml:"github"`
	Gemini       *gemini.Config      `yaml:"gemini"`
	Budget       *budget.Config      `yaml:"budget"`
	Triage       *TriageConfig       `yaml:"triage"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Agents       *AgentsConfig       `yaml:"agents"`
	Quality      *quality.Config     `yaml:"quality"`
	Ledger       *LedgerConfig       `yaml:"ledger"`
	Schedule     *ScheduleConfig     `yaml:"schedule"`
	Logging      *logging.Config     `yaml:"logging"`

	// GitHubOutput is the Actions step output file; empty outside Actions.
	GitHubOutput string `yaml:"github_output"`
}

// TriageConfig holds triage agent settings
type TriageConfig struct {
	BatchChars  int    `yaml:"batch_chars"`
	Concurrency int    `yaml:"concurrency"`
	ModelType   string `yaml:"model_type"`
}

// OrchestratorConfig holds task selection and dispatch settings
type OrchestratorConfig struct {
	ModelType      string `yaml:"model_type"`
	Workflow       string `yaml:"workflow"`
	Ref            string `yaml:"ref"`
	LocalExecution bool   `yaml:"local_execution"`
}

// AgentsConfig holds planner and developer settings
type AgentsConfig struct {
	PlannerModel   string `yaml:"planner_model"`
	DeveloperModel string `yaml:"developer_model"`
	ApprovalMode   string `yaml:"approval_mode"`
	// FixAttempts re-runs the developer with verification feedback.
	FixAttempts int `yaml:"fix_attempts"`
}

// LedgerConfig holds the local usage ledger settings
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ScheduleConfig holds periodic flow settings
type ScheduleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		GitHub:  github.DefaultConfig(),
		Gemini:  gemini.DefaultConfig(),
		Budget:  budget.DefaultConfig(),
		Triage: &TriageConfig{
			BatchChars:  5000,
			Concurrency: 4,
			ModelType:   gemini.ModelFlash,
		},
		Orchestrator: &OrchestratorConfig{
			ModelType: gemini.ModelFlash,
			Workflow:  "agent-develop.yml",
			Ref:       "main",
		},
		Agents: &AgentsConfig{
			PlannerModel:   gemini.ModelPro,
			DeveloperModel: gemini.ModelFlash,
			FixAttempts:    1,
		},
		Quality: quality.DefaultConfig(),
		Ledger: &LedgerConfig{
			Enabled: true,
			Path:    filepath.Join(".agentflow", "usage.db"),
		},
		Schedule: &ScheduleConfig{
			Cron:     "0 */4 * * *",
			Timezone: "UTC",
		},
		Logging: logging.DefaultConfig(),
	}
}

// ResolvePath picks the config file: the flag value, then AGENTFLOW_CONFIG,
// then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("AGENTFLOW_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load loads configuration from a file. A .env file next to it is loaded
// into the process environment first without overriding existing variables;
// the environment overlay is applied last. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config.fillDefaults()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if config.Ledger.Path != "" {
		config.Ledger.Path = expandPath(config.Ledger.Path)
	}
	return config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// fillDefaults restores sections that the YAML set to null.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.GitHub == nil {
		c.GitHub = d.GitHub
	}
	if c.GitHub.Project == nil {
		c.GitHub.Project = &github.ProjectConfig{}
	}
	if c.Gemini == nil {
		c.Gemini = d.Gemini
	}
	if c.Budget == nil {
		c.Budget = d.Budget
	}
	if c.Triage == nil {
		c.Triage = d.Triage
	}
	if c.Orchestrator == nil {
		c.Orchestrator = d.Orchestrator
	}
	if c.Agents == nil {
		c.Agents = d.Agents
	}
	if c.Quality == nil {
		c.Quality = d.Quality
	}
	if c.Ledger == nil {
		c.Ledger = d.Ledger
	}
	if c.Schedule == nil {
		c.Schedule = d.Schedule
	}
	if c.Logging == nil {
		c.Logging = d.Logging
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GH_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("GITHUB_REPOSITORY"); v != "" && (c.GitHub.Owner == "" || c.GitHub.Repo == "") {
		owner, repo, ok := strings.Cut(v, "/")
		if !ok || owner == "" || repo == "" {
			return fmt.Errorf("invalid GITHUB_REPOSITORY %q: want owner/repo", v)
		}
		c.GitHub.Owner, c.GitHub.Repo = owner, repo
	}

	budgets := []struct {
		env   string
		field *int64
	}{
		{"TRIAGE_TOKEN_BUDGET", &c.Budget.Stages.Triage},
		{"PLANNING_TOKEN_BUDGET", &c.Budget.Stages.Planning},
		{"DEVELOPER_TOKEN_BUDGET", &c.Budget.Stages.Developer},
	}
	for _, b := range budgets {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s %q: want a non-negative integer", b.env, v)
		}
		*b.field = n
	}

	if v := os.Getenv("LOCAL_EXECUTION"); v != "" {
		local, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOCAL_EXECUTION %q: %w", v, err)
		}
		c.Orchestrator.LocalExecution = local
	}
	if v := os.Getenv("GITHUB_OUTPUT"); v != "" {
		c.GitHubOutput = v
	}
	return nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate reports every missing required setting.
func (c *Config) Validate() error {
	var errs []error
	if c.GitHub == nil {
		return errors.New("github configuration is required")
	}
	if c.GitHub.Token == "" {
		errs = append(errs, errors.New("github token is required (set GH_TOKEN)"))
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		errs = append(errs, errors.New("github owner and repo are required (set GITHUB_REPOSITORY)"))
	}
	if p := c.GitHub.Project; p == nil || (p.ID == "" && p.Number == 0) {
		errs = append(errs, errors.New("github project id or number is required"))
	}
	if c.Budget != nil {
		switch c.Budget.OnExceed {
		case "", budget.ActionWarn, budget.ActionStop:
		default:
			errs = append(errs, fmt.Errorf("invalid budget on_exceed %q", c.Budget.OnExceed))
		}
		if c.Budget.DailyLimit < 0 {
			errs = append(errs, errors.New("budget daily_limit must not be negative"))
		}
	}
	if c.Triage != nil && c.Triage.BatchChars < 0 {
		errs = append(errs, errors.New("triage batch_chars must not be negative"))
	}
	if c.Agents != nil && c.Agents.FixAttempts < 0 {
		errs = append(errs, errors.New("agents fix_attempts must not be negative"))
	}
	if c.Quality != nil {
		if err := c.Quality.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IssueContext is the issue a standalone stage works on, passed between
// workflow steps through the environment.
type IssueContext struct {
	Number             int
	Title              string
	Body               string
	Methodology        string
	Files              []string
	NeedsDecomposition bool
}

// IssueContextFromEnv reads ISSUE_NUMBER (or GITHUB_ISSUE_NUMBER) and the
// plan variables. Number is 0 when neither is set.
func IssueContextFromEnv() (*IssueContext, error) {
	ic := &IssueContext{
		Title:       os.Getenv("ISSUE_TITLE"),
		Body:        os.Getenv("ISSUE_BODY"),
		Methodology: os.Getenv("METHODOLOGY"),
		Files:       ParseFiles(os.Getenv("FILES")),
	}

	raw := os.Getenv("ISSUE_NUMBER")
	if raw == "" {
		raw = os.Getenv("GITHUB_ISSUE_NUMBER")
	}
	if raw != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid issue number %q", raw)
		}
		ic.Number = n
	}

	if v := os.Getenv("NEEDS_DECOMPOSITION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NEEDS_DECOMPOSITION %q: %w", v, err)
		}
		ic.NeedsDecomposition = b
	}
	return ic, nil
}

// ParseFiles accepts a JSON array or a comma/newline separated list.
func ParseFiles(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var files []string
		if err := json.Unmarshal([]byte(raw), &files); err == nil {
			return files
		}
	}
	var files []string
	for _, f := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}
