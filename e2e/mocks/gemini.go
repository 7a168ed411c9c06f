package mocks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// GeminiCLIMock is a Gemini CLI stand-in. Each call reads the prompt from
// stdin and prints the first rule whose match string occurs in it, wrapped
// in the CLI's JSON envelope. Unmatched prompts exit 1.
type GeminiCLIMock struct {
	dir     string
	binPath string
	logPath string

	mu    sync.Mutex
	rules []rule
}

type rule struct {
	match string
	file  string
}

// NewGeminiCLIMock writes the script into dir.
func NewGeminiCLIMock(dir string) (*GeminiCLIMock, error) {
	m := &GeminiCLIMock{
		dir:     dir,
		binPath: filepath.Join(dir, "gemini"),
		logPath: filepath.Join(dir, "calls.log"),
	}
	if err := m.writeScript(); err != nil {
		return nil, err
	}
	return m, nil
}

// BinPath returns the path of the mock executable.
func (m *GeminiCLIMock) BinPath() string {
	return m.binPath
}

// Respond answers prompts containing match with response, reporting the
// given token counts in usageMetadata.
func (m *GeminiCLIMock) Respond(match, response string, inputTokens, outputTokens int) error {
	envelope, err := json.Marshal(map[string]interface{}{
		"response": response,
		"usageMetadata": map[string]int{
			"promptTokenCount":     inputTokens,
			"candidatesTokenCount": outputTokens,
		},
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	file := filepath.Join(m.dir, fmt.Sprintf("response-%d.json", len(m.rules)))
	if err := os.WriteFile(file, append([]byte("Loaded cached credentials.\n"), envelope...), 0o644); err != nil {
		return err
	}
	m.rules = append(m.rules, rule{match: match, file: file})
	return m.writeScriptLocked()
}

// Calls returns the model requested by each invocation, oldest first.
func (m *GeminiCLIMock) Calls() []string {
	data, err := os.ReadFile(m.logPath)
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}

func (m *GeminiCLIMock) writeScript() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeScriptLocked()
}

func (m *GeminiCLIMock) writeScriptLocked() error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n# Mock Gemini CLI for E2E testing\n")
	b.WriteString(`model=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--model" ]; then model="$2"; fi
  shift
done
`)
	fmt.Fprintf(&b, "echo \"$model\" >> %s\n", shellQuote(m.logPath))
	b.WriteString("prompt=$(cat)\n")
	for _, r := range m.rules {
		fmt.Fprintf(&b, "if printf '%%s' \"$prompt\" | grep -qF -- %s; then cat %s; exit 0; fi\n",
			shellQuote(r.match), shellQuote(r.file))
	}
	b.WriteString("echo 'no mock response for prompt' >&2\nexit 1\n")

	return os.WriteFile(m.binPath, []byte(b.String()), 0o755)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
