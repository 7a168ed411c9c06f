package github

import "strings"

// Config holds GitHub repository and project settings.
type Config struct {
	Token   string         `yaml:"token"`
	Owner   string         `yaml:"owner"`
	Repo    string         `yaml:"repo"`
	BaseURL string         `yaml:"base_url"`
	Retry   bool           `yaml:"retry"`
	Project *ProjectConfig `yaml:"project"`
}

// ProjectConfig identifies a Projects V2 board and its custom fields.
// Any ID left empty is resolved by name through the API on first use.
type ProjectConfig struct {
	ID     string       `yaml:"id"`
	Owner  string       `yaml:"owner"`
	Number int          `yaml:"number"`
	Fields FieldsConfig `yaml:"fields"`
}

// FieldsConfig holds the project field schema.
type FieldsConfig struct {
	Status   SelectField `yaml:"status"`
	Priority SelectField `yaml:"priority"`
	Model    string      `yaml:"model"` // text field ID
	Cost     string      `yaml:"cost"`  // number field ID
}

// SelectField is a single-select field and its option IDs keyed by option name.
type SelectField struct {
	ID      string            `yaml:"id"`
	Options map[string]string `yaml:"options"`
}

// OptionID returns the option ID for name, matched case-insensitively.
func (f SelectField) OptionID(name string) (string, bool) {
	if id, ok := f.Options[name]; ok {
		return id, true
	}
	for k, id := range f.Options {
		if strings.EqualFold(k, name) {
			return id, true
		}
	}
	return "", false
}

// DefaultConfig returns default GitHub configuration
func DefaultConfig() *Config {
	return &Config{
		Project: &ProjectConfig{},
	}
}

// Project field names as they appear on the board.
const (
	FieldNameStatus   = "Status"
	FieldNamePriority = "Priority"
	FieldNameModel    = "Model"
	FieldNameCost     = "Cost"
)

// Status options
const (
	StatusTodo       = "Todo"
	StatusInProgress = "In Progress"
	StatusPaused     = "Paused"
	StatusDone       = "Done"
)

// Priority options
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
)

// Labels with workflow meaning
const (
	LabelBlocked   = "blocked"
	LabelAITriaged = "ai-triaged"
)

// Issue states
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// PriorityRank orders priorities for selection: P0 < P1 < P2 < unset.
func PriorityRank(priority string) int {
	switch strings.ToUpper(strings.TrimSpace(priority)) {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	default:
		return 3
	}
}
