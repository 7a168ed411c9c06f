package gemini

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrQuotaExceeded = errors.New("gemini quota exceeded")
	ErrNonResponsive = errors.New("gemini cli non-responsive")
	ErrProcessFailed = errors.New("gemini cli failed")
	ErrNoJSON        = errors.New("no JSON object in gemini output")
	ErrNoModels      = errors.New("no models configured for class")
)

// ErrorKind classifies a failed CLI invocation.
type ErrorKind string

const (
	KindQuota     ErrorKind = "quota"
	KindProcess   ErrorKind = "process"
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed"
)

// CLIError describes one failed subprocess run.
type CLIError struct {
	Kind     ErrorKind
	Model    string
	ExitCode int
	Output   string
	Err      error
}

func (e *CLIError) Error() string {
	return fmt.Sprintf("gemini %s error (model %s, exit %d): %s", e.Kind, e.Model, e.ExitCode, truncate(e.Output, 500))
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// IsQuotaError reports whether CLI output signals a quota or rate limit.
func IsQuotaError(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "429") || strings.Contains(lower, "quota exceeded")
}

var resetHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)reset after\s+(\d+(?:\.\d+)?)\s*s`),
	regexp.MustCompile(`(?i)retry in\s+(\d+(?:\.\d+)?)\s*s`),
}

// ParseResetHint extracts the "reset after Ns" wait from quota error text.
// Returns 0 if no hint is present.
func ParseResetHint(output string) time.Duration {
	for _, re := range resetHintPatterns {
		m := re.FindStringSubmatch(output)
		if len(m) < 2 {
			continue
		}
		secs, err := strconv.ParseFloat(m[1], 64)
		if err != nil || secs <= 0 {
			continue
		}
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// quotaBackoff returns the wait before the next attempt on the same model.
func quotaBackoff(output string, attempt int, margin time.Duration) time.Duration {
	wait := ParseResetHint(output)
	if wait == 0 {
		wait = time.Duration(attempt*10) * time.Second
	}
	return wait + margin
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
