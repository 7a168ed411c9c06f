// Package health checks the local toolchain and configuration the agent
// flow depends on.
package health

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alekspetrov/agentflow/internal/config"
)

// Status represents feature or dependency status
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// FeatureStatus represents a feature with its availability
type FeatureStatus struct {
	Name    string
	Enabled bool
	Status  Status
	Note    string
}

// Report contains all health check results
type Report struct {
	Dependencies []Check
	Config       []Check
	Features     []FeatureStatus
}

// Summary counts errors and warnings across dependency and config checks.
func (r *Report) Summary() (errors, warnings int) {
	for _, list := range [][]Check{r.Dependencies, r.Config} {
		for _, c := range list {
			switch c.Status {
			case StatusError:
				errors++
			case StatusWarning:
				warnings++
			}
		}
	}
	return errors, warnings
}

// Checker runs the checks. The zero value uses the real PATH.
type Checker struct {
	LookPath func(file string) (string, error)
	Version  func(cmd string, args ...string) string
}

// RunChecks performs all health checks based on config
func RunChecks(cfg *config.Config) *Report {
	return (&Checker{}).Run(cfg)
}

// Run performs all health checks based on config
func (c *Checker) Run(cfg *config.Config) *Report {
	if c.LookPath == nil {
		c.LookPath = exec.LookPath
	}
	if c.Version == nil {
		c.Version = getCommandVersion
	}
	return &Report{
		Dependencies: c.checkDependencies(cfg),
		Config:       checkConfig(cfg),
		Features:     checkFeatures(cfg),
	}
}

// checkDependencies checks required system dependencies
func (c *Checker) checkDependencies(cfg *config.Config) []Check {
	checks := []Check{}

	command := "npx"
	if cfg.Gemini != nil && cfg.Gemini.Command != "" {
		command = cfg.Gemini.Command
	}
	if _, err := c.LookPath(command); err == nil {
		checks = append(checks, Check{Name: "gemini", Status: StatusOK, Message: command})
	} else {
		checks = append(checks, Check{
			Name:    "gemini",
			Status:  StatusError,
			Message: command + " not found",
			Fix:     "npm install -g @google/gemini-cli, or set gemini.command",
		})
	}

	if version := c.Version("git", "--version"); version != "" {
		checks = append(checks, Check{Name: "git", Status: StatusOK, Message: version})
	} else {
		checks = append(checks, Check{Name: "git", Status: StatusError, Message: "not found", Fix: "install git"})
	}

	if _, err := c.LookPath("sh"); err == nil {
		checks = append(checks, Check{Name: "sh", Status: StatusOK, Message: "installed"})
	} else {
		checks = append(checks, Check{
			Name:    "sh",
			Status:  StatusWarning,
			Message: "not found (verification gates disabled)",
		})
	}

	return checks
}

func checkConfig(cfg *config.Config) []Check {
	checks := []Check{}

	if cfg.GitHub == nil || cfg.GitHub.Token == "" {
		checks = append(checks, Check{Name: "github token", Status: StatusError, Message: "missing", Fix: "export GH_TOKEN"})
	} else {
		checks = append(checks, Check{Name: "github token", Status: StatusOK, Message: "set"})
	}

	if cfg.GitHub == nil || cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		checks = append(checks, Check{Name: "repository", Status: StatusError, Message: "missing", Fix: "export GITHUB_REPOSITORY=owner/repo"})
	} else {
		checks = append(checks, Check{Name: "repository", Status: StatusOK, Message: cfg.GitHub.Owner + "/" + cfg.GitHub.Repo})
	}

	if p := cfg.GitHub; p == nil || p.Project == nil || (p.Project.ID == "" && p.Project.Number == 0) {
		checks = append(checks, Check{Name: "project", Status: StatusError, Message: "missing", Fix: "set github.project.number"})
	} else if p.Project.ID != "" {
		checks = append(checks, Check{Name: "project", Status: StatusOK, Message: p.Project.ID})
	} else {
		checks = append(checks, Check{Name: "project", Status: StatusOK, Message: "#" + strconv.Itoa(p.Project.Number) + " (IDs resolved by name)"})
	}

	// the CLI can also use cached OAuth credentials
	if cfg.Gemini == nil || cfg.Gemini.APIKey == "" {
		checks = append(checks, Check{
			Name:    "gemini api key",
			Status:  StatusWarning,
			Message: "not set, relying on cached CLI login",
			Fix:     "export GEMINI_API_KEY or add it to .env",
		})
	} else {
		checks = append(checks, Check{Name: "gemini api key", Status: StatusOK, Message: "set"})
	}

	if cfg.Quality != nil && cfg.Quality.Enabled {
		if err := cfg.Quality.Validate(); err != nil {
			checks = append(checks, Check{Name: "quality gates", Status: StatusError, Message: err.Error()})
		} else {
			checks = append(checks, Check{Name: "quality gates", Status: StatusOK, Message: strconv.Itoa(len(cfg.Quality.Gates)) + " gates"})
		}
	}

	if cfg.Ledger != nil && cfg.Ledger.Enabled {
		if dirWritable(filepath.Dir(cfg.Ledger.Path)) {
			checks = append(checks, Check{Name: "usage ledger", Status: StatusOK, Message: cfg.Ledger.Path})
		} else {
			checks = append(checks, Check{
				Name:    "usage ledger",
				Status:  StatusWarning,
				Message: "directory not writable: " + filepath.Dir(cfg.Ledger.Path),
				Fix:     "set ledger.path or ledger.enabled: false",
			})
		}
	}

	return checks
}

// checkFeatures checks feature availability
func checkFeatures(cfg *config.Config) []FeatureStatus {
	features := []FeatureStatus{}

	budgetEnabled := cfg.Budget != nil && cfg.Budget.Enabled
	features = append(features, FeatureStatus{Name: "Budget", Enabled: budgetEnabled, Status: boolToStatus(budgetEnabled)})

	qualityEnabled := cfg.Quality != nil && cfg.Quality.Enabled
	features = append(features, FeatureStatus{Name: "Verification", Enabled: qualityEnabled, Status: boolToStatus(qualityEnabled)})

	ledgerEnabled := cfg.Ledger != nil && cfg.Ledger.Enabled
	features = append(features, FeatureStatus{Name: "Usage ledger", Enabled: ledgerEnabled, Status: boolToStatus(ledgerEnabled)})

	scheduleEnabled := cfg.Schedule != nil && cfg.Schedule.Enabled
	sched := FeatureStatus{Name: "Schedule", Enabled: scheduleEnabled, Status: boolToStatus(scheduleEnabled)}
	if scheduleEnabled {
		sched.Note = cfg.Schedule.Cron + " " + cfg.Schedule.Timezone
	}
	features = append(features, sched)

	local := cfg.Orchestrator != nil && cfg.Orchestrator.LocalExecution
	execution := FeatureStatus{Name: "Local execution", Enabled: local, Status: boolToStatus(local)}
	if !local && cfg.Orchestrator != nil {
		execution.Note = "dispatches " + cfg.Orchestrator.Workflow
	}
	features = append(features, execution)

	return features
}

// getCommandVersion runs a command and returns its version string
func getCommandVersion(cmd string, args ...string) string {
	out, err := exec.Command(cmd, args...).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Extract just version number if possible
	if strings.Contains(version, " ") {
		for _, p := range strings.Fields(version) {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}

func dirWritable(dir string) bool {
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return false
			}
			f, err := os.CreateTemp(dir, ".agentflow-doctor-*")
			if err != nil {
				return false
			}
			_ = f.Close()
			_ = os.Remove(f.Name())
			return true
		}
		// the ledger creates missing directories, so check the nearest parent
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

// boolToStatus converts bool to Status
func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// Symbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
