package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	ferrors "github.com/randalmurphal/dashflow/pkg/flowgraph/errors"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// DecodeJSON extracts the JSON value from a completion and decodes it into v.
// It accepts a fenced code block, a bare document, or a document surrounded
// by prose. Failures are returned as *errors.JSONParseError.
func DecodeJSON(content string, v any) error {
	candidate := ExtractJSON(content)
	if candidate == "" {
		return &ferrors.JSONParseError{Input: truncate(content), Message: "no JSON value found in completion"}
	}
	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		return &ferrors.JSONParseError{Input: truncate(candidate), Message: err.Error()}
	}
	return nil
}

// ExtractJSON returns the first JSON object or array found in content, or
// "" when there is none.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
	}
	if json.Valid([]byte(content)) && (strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[")) {
		return content
	}

	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return ""
	}
	if end := matchingClose(content, start); end > start {
		return content[start : end+1]
	}
	return ""
}

// matchingClose finds the index of the bracket closing the one at start,
// skipping brackets inside string literals.
func matchingClose(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
