package gemini

import (
	"errors"
	"testing"
	"time"
)

func TestExtractLastJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"plain object", `{"a":1}`, `{"a":1}`, true},
		{"last of two", `noise {"a":1} more {"b":2} tail`, `{"b":2}`, true},
		{"nested returns outer", `x {"a":{"b":{"c":3}}} y`, `{"a":{"b":{"c":3}}}`, true},
		{"braces in strings", `{"text":"use } and { freely"}`, `{"text":"use } and { freely"}`, true},
		{"escaped quote", `{"q":"say \"}\" ok"}`, `{"q":"say \"}\" ok"}`, true},
		{"code fence", "```json\n{\"x\":true}\n```", `{"x":true}`, true},
		{"unbalanced tail", `{"a":1} {"b":`, `{"a":1}`, true},
		{"no braces", `nothing here`, ``, false},
		{"empty", ``, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractLastJSON(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if string(got) != tt.want {
				t.Errorf("ExtractLastJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnmarshalResponse(t *testing.T) {
	var v struct {
		Selected int `json:"selectedIssue"`
	}
	if err := UnmarshalResponse("I pick this one:\n{\"selectedIssue\": 42}", &v); err != nil {
		t.Fatalf("UnmarshalResponse() error = %v", err)
	}
	if v.Selected != 42 {
		t.Errorf("selectedIssue = %d, want 42", v.Selected)
	}

	if err := UnmarshalResponse("no object", &v); !errors.Is(err, ErrNoJSON) {
		t.Errorf("error = %v, want ErrNoJSON", err)
	}
}

func TestParseCLIOutputErrorObject(t *testing.T) {
	_, err := parseCLIOutput(`{"error":{"type":"ApiError","message":"Quota exceeded for metric","code":429}}`, "gemini-2.5-pro")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}

	_, err = parseCLIOutput(`{"error":{"type":"AuthError","message":"bad key","code":401}}`, "gemini-2.5-pro")
	if !errors.Is(err, ErrProcessFailed) {
		t.Errorf("error = %v, want ErrProcessFailed", err)
	}
}

func TestParseResetHint(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"quota will reset after 30s", 30 * time.Second},
		{"Reset After 1.5s", 1500 * time.Millisecond},
		{"Please retry in 12s.", 12 * time.Second},
		{"429 quota exceeded", 0},
		{"reset after 0s", 0},
	}
	for _, tt := range tests {
		if got := ParseResetHint(tt.input); got != tt.want {
			t.Errorf("ParseResetHint(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestIsQuotaError(t *testing.T) {
	if !IsQuotaError("HTTP 429") || !IsQuotaError("Quota Exceeded for project") {
		t.Error("expected quota errors to be detected")
	}
	if IsQuotaError("permission denied") {
		t.Error("unexpected quota detection")
	}
}

func TestModelChain(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ModelChain("PRO"); len(got) != 2 || got[0] != "gemini-2.5-pro" {
		t.Errorf("pro chain = %v", got)
	}
	if got := cfg.ModelChain(""); got[0] != "gemini-2.5-flash" {
		t.Errorf("default chain = %v", got)
	}
	if got := cfg.ModelChain("gemini-3-pro-preview"); len(got) != 1 || got[0] != "gemini-3-pro-preview" {
		t.Errorf("concrete chain = %v", got)
	}
	if got := cfg.ModelChain("unknown"); got[0] != "gemini-2.5-flash" {
		t.Errorf("unknown chain = %v", got)
	}
}
