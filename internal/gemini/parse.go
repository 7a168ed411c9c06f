package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractLastJSON returns the last complete top-level JSON object embedded
// in text. Braces inside string literals are ignored.
func ExtractLastJSON(text string) (json.RawMessage, bool) {
	var last json.RawMessage
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchObject(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if !gjson.Valid(candidate) {
			continue
		}
		last = json.RawMessage(candidate)
		i = end
	}
	return last, last != nil
}

// matchObject returns the index of the brace closing the object opened at
// start, or -1 if it is never closed.
func matchObject(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// UnmarshalResponse decodes the last JSON object in a model response into v.
func UnmarshalResponse(text string, v any) error {
	raw, ok := ExtractLastJSON(text)
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}

// parseCLIOutput reads the `--output-format json` document: the text lives
// in response, token counts in usageMetadata or per model under stats.models.
func parseCLIOutput(output, model string) (*Result, error) {
	raw, ok := ExtractLastJSON(output)
	if !ok {
		return nil, ErrNoJSON
	}
	doc := gjson.ParseBytes(raw)

	if cliErr := doc.Get("error"); cliErr.Exists() && doc.Get("response").String() == "" {
		msg := cliErr.Get("message").String()
		if IsQuotaError(msg) || strings.Contains(cliErr.Get("code").String(), "429") {
			return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrProcessFailed, msg)
	}

	res := &Result{Response: doc.Get("response").String(), Raw: raw, ModelUsed: model}
	if usage := doc.Get("usageMetadata"); usage.Exists() {
		res.InputTokens = usage.Get("promptTokenCount").Int()
		res.OutputTokens = usage.Get("candidatesTokenCount").Int()
		return res, nil
	}

	var modelsSeen []string
	doc.Get("stats.models").ForEach(func(name, m gjson.Result) bool {
		res.InputTokens += m.Get("tokens.prompt").Int()
		res.OutputTokens += m.Get("tokens.candidates").Int()
		modelsSeen = append(modelsSeen, name.String())
		return true
	})
	if len(modelsSeen) == 1 {
		res.ModelUsed = modelsSeen[0]
	}
	return res, nil
}
