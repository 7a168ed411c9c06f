// Package gemini runs prompts through the Gemini CLI as a subprocess, walking
// a model fallback chain and backing off on quota errors.
package gemini

import (
	"strings"
	"time"
)

// Model classes understood by the runner.
const (
	ModelPro       = "pro"
	ModelFlash     = "flash"
	ModelFlashLite = "flash-lite"
)

// Config holds Gemini CLI runner settings.
//
// Example YAML configuration:
//
//	gemini:
//	  command: npx
//	  args: ["@google/gemini-cli"]
//	  timeout: 10m
//	  quota_attempts: 3
//	  models:
//	    pro: [gemini-2.5-pro, gemini-2.5-flash]
//	    flash: [gemini-2.5-flash, gemini-2.5-flash-lite]
type Config struct {
	// Command is the executable to spawn. Default: "npx"
	Command string `yaml:"command"`

	// Args are prepended before the generated flags. Default: ["@google/gemini-cli"]
	Args []string `yaml:"args"`

	// Models maps a model class to its ordered fallback chain.
	Models map[string][]string `yaml:"models"`

	// Timeout is the hard limit for one subprocess. Default: 10m
	Timeout time.Duration `yaml:"timeout"`

	// QuotaAttempts is how many times one model is tried on quota errors. Default: 3
	QuotaAttempts int `yaml:"quota_attempts"`

	// RetryMargin is added to every quota backoff. Default: 2s
	RetryMargin time.Duration `yaml:"retry_margin"`

	// APIKey is exported to the subprocess as GEMINI_API_KEY when set.
	APIKey string `yaml:"-"`

	// WorkDir is the subprocess working directory. Empty means the current one.
	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() *Config {
	return &Config{
		Command: "npx",
		Args:    []string{"@google/gemini-cli"},
		Models: map[string][]string{
			ModelPro:       {"gemini-2.5-pro", "gemini-2.5-flash"},
			ModelFlash:     {"gemini-2.5-flash", "gemini-2.5-flash-lite"},
			ModelFlashLite: {"gemini-2.5-flash-lite"},
		},
		Timeout:       10 * time.Minute,
		QuotaAttempts: 3,
		RetryMargin:   2 * time.Second,
	}
}

// ModelChain returns the fallback chain for a model class. A concrete model
// name is returned as a one-element chain; an empty or unknown class uses
// the flash chain.
func (c *Config) ModelChain(class string) []string {
	class = strings.ToLower(strings.TrimSpace(class))
	if chain, ok := c.Models[class]; ok && len(chain) > 0 {
		return chain
	}
	if strings.HasPrefix(class, "gemini-") {
		return []string{class}
	}
	return c.Models[ModelFlash]
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	out := *c
	if out.Command == "" {
		out.Command = def.Command
		if len(out.Args) == 0 {
			out.Args = def.Args
		}
	}
	if len(out.Models) == 0 {
		out.Models = def.Models
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	if out.QuotaAttempts <= 0 {
		out.QuotaAttempts = def.QuotaAttempts
	}
	if out.RetryMargin < 0 {
		out.RetryMargin = 0
	}
	return &out
}
