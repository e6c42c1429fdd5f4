package stages

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

var selectKeyword = regexp.MustCompile(`(?i)\bselect\b`)

var closers = map[rune]rune{')': '(', '}': '{', ']': '['}

var bracketNames = map[rune]string{
	'(': "parenthesis", ')': "parenthesis",
	'{': "brace", '}': "brace",
	'[': "bracket", ']': "bracket",
}

// Validate runs the structural checks for a query of the given kind and
// returns the problems found. An empty result means the query is valid.
//
// Metric queries must be non-empty with balanced (), {} and [] outside
// string literals. Relational queries must be non-empty, contain a SELECT
// keyword, close every quoted string and identifier, and balance their
// parentheses.
func Validate(kind state.QueryKind, text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{"empty query"}
	}
	switch kind {
	case state.KindMetric:
		return validateMetric(text)
	case state.KindRelational:
		return validateRelational(text)
	default:
		return []string{fmt.Sprintf("unsupported query kind %q", kind)}
	}
}

func validateMetric(text string) []string {
	var problems []string
	var stack []rune
	var offsets []int
	var quote rune
	escaped := false

	for i, r := range text {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '{', '[':
			stack = append(stack, r)
			offsets = append(offsets, i)
		case ')', '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != closers[r] {
				problems = append(problems, fmt.Sprintf("unexpected closing %s %q at offset %d", bracketNames[r], r, i))
				continue
			}
			stack = stack[:len(stack)-1]
			offsets = offsets[:len(offsets)-1]
		}
	}

	if quote != 0 {
		problems = append(problems, fmt.Sprintf("unterminated string literal (%c)", quote))
	}
	for i, r := range stack {
		problems = append(problems, fmt.Sprintf("unclosed %s %q at offset %d", bracketNames[r], r, offsets[i]))
	}
	return problems
}

func validateRelational(text string) []string {
	var problems []string
	if !selectKeyword.MatchString(stripQuoted(text)) {
		problems = append(problems, "query must contain SELECT")
	}

	var quote rune
	depth := 0
	for _, r := range text {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				problems = append(problems, "unexpected closing parenthesis")
				depth = 0
			}
		}
	}

	switch quote {
	case '\'':
		problems = append(problems, "unterminated string literal")
	case '"':
		problems = append(problems, "unterminated quoted identifier")
	}
	if depth > 0 {
		problems = append(problems, fmt.Sprintf("%d unclosed parenthesis", depth))
	}
	return problems
}

// stripQuoted blanks out quoted sections so keywords inside literals do
// not count.
func stripQuoted(text string) string {
	var b strings.Builder
	var quote rune
	for _, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(' ')
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
