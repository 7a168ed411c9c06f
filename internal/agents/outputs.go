package agents

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Output is one step output of a GitHub Actions job.
type Output struct {
	Name  string
	Value string
}

// WriteOutputs appends outputs to the GITHUB_OUTPUT file at path. Multiline
// values use the heredoc form with a random delimiter. An empty path is a
// no-op so stages run the same outside Actions.
func WriteOutputs(path string, outputs ...Output) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open step output file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	for _, o := range outputs {
		if strings.ContainsAny(o.Value, "\r\n") {
			delim := "ghadelimiter_" + uuid.NewString()
			fmt.Fprintf(&b, "%s<<%s\n%s\n%s\n", o.Name, delim, o.Value, delim)
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", o.Name, o.Value)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write step outputs: %w", err)
	}
	return nil
}
