// Package quality runs the verification gates of the agent flow: shell
// commands (tests, lint, build) executed against the working tree after the
// developer agent finishes.
package quality

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrGateFailed   = errors.New("verification gate failed")
	ErrGateTimeout  = errors.New("verification gate timed out")
	ErrGateNotFound = errors.New("verification gate not found")
)

// GateStatus is the state of a gate check.
type GateStatus string

const (
	StatusPending  GateStatus = "pending"
	StatusRunning  GateStatus = "running"
	StatusPassed   GateStatus = "passed"
	StatusFailed   GateStatus = "failed"
	StatusSkipped  GateStatus = "skipped"
	StatusRetrying GateStatus = "retrying"
)

// DefaultGateTimeout applies to gates without an explicit timeout.
const DefaultGateTimeout = 5 * time.Minute

// maxFeedbackOutput bounds the gate output quoted back to the developer agent.
const maxFeedbackOutput = 2000

// Gate is a single verification command.
type Gate struct {
	Name        string        `yaml:"name" json:"name"`
	Command     string        `yaml:"command" json:"command"`
	Required    bool          `yaml:"required" json:"required"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
	FailureHint string        `yaml:"failure_hint" json:"failure_hint"`
}

func (g *Gate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultGateTimeout
}

// Result is the outcome of one gate.
type Result struct {
	GateName    string        `json:"gate_name"`
	Status      GateStatus    `json:"status"`
	Required    bool          `json:"required"`
	ExitCode    int           `json:"exit_code"`
	Output      string        `json:"output"`
	Error       string        `json:"error"`
	Hint        string        `json:"hint,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Passed reports whether the gate passed.
func (r *Result) Passed() bool {
	return r.Status == StatusPassed
}

// CheckResults holds every gate result of one verification run.
type CheckResults struct {
	Issue       int           `json:"issue"`
	AllPassed   bool          `json:"all_passed"`
	Results     []*Result     `json:"results"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	TotalTime   time.Duration `json:"total_time"`
}

// FailedGates returns the failed gates, required or not.
func (cr *CheckResults) FailedGates() []*Result {
	var failed []*Result
	for _, r := range cr.Results {
		if r.Status == StatusFailed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Config holds the verification gates.
type Config struct {
	Enabled  bool    `yaml:"enabled" json:"enabled"`
	Parallel bool    `yaml:"parallel" json:"parallel"`
	WorkDir  string  `yaml:"work_dir" json:"work_dir"`
	Gates    []*Gate `yaml:"gates" json:"gates"`
}

// DefaultConfig verifies with the repository's npm scripts.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Gates: []*Gate{
			{
				Name:        "lint",
				Command:     "npm run lint --if-present",
				Required:    false,
				Timeout:     2 * time.Minute,
				FailureHint: "Fix linting errors: formatting, unused imports, etc.",
			},
			{
				Name:        "test",
				Command:     "npm test",
				Required:    true,
				Timeout:     10 * time.Minute,
				MaxRetries:  1,
				RetryDelay:  5 * time.Second,
				FailureHint: "Fix failing tests or update test expectations",
			},
		},
	}
}

// Gate returns a gate by name.
func (c *Config) Gate(name string) *Gate {
	for _, g := range c.Gates {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for _, g := range c.Gates {
		if g.Name == "" {
			return errors.New("verification gate name is required")
		}
		if g.Command == "" {
			return errors.New("verification gate command is required for gate: " + g.Name)
		}
	}
	return nil
}

// DetectTestCommand returns a test command for the project at path, or ""
// when the project type is not recognized.
func DetectTestCommand(path string) string {
	switch {
	case fileExists(filepath.Join(path, "package.json")):
		return "npm test"
	case fileExists(filepath.Join(path, "go.mod")):
		return "go test ./..."
	case fileExists(filepath.Join(path, "Cargo.toml")):
		return "cargo test"
	case fileExists(filepath.Join(path, "pyproject.toml")), fileExists(filepath.Join(path, "setup.py")):
		return "python -m pytest"
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
