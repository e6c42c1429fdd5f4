package template

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// MissingAction specifies how to handle missing variables.
type MissingAction int

const (
	// MissingError fails the expansion. This is the default.
	MissingError MissingAction = iota

	// MissingKeep leaves the placeholder as-is.
	MissingKeep

	// MissingEmpty replaces the placeholder with an empty string.
	MissingEmpty
)

// Expander fills placeholders.
type Expander struct {
	missing MissingAction
	indent  string
}

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how missing variables are handled.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) { e.missing = action }
}

// WithIndent sets the indent used for JSON values. Empty produces compact JSON.
func WithIndent(indent string) Option {
	return func(e *Expander) { e.indent = indent }
}

// New creates an Expander. JSON values are indented with two spaces.
func New(opts ...Option) *Expander {
	e := &Expander{missing: MissingError, indent: "  "}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand replaces every ${name} in s with the formatted value of vars[name].
// All missing names are reported together.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	var missing []string
	var formatErr error

	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		val, ok := vars[name]
		if !ok {
			switch e.missing {
			case MissingEmpty:
				return ""
			case MissingKeep:
				return match
			default:
				missing = append(missing, name)
				return match
			}
		}
		text, err := e.format(val)
		if err != nil && formatErr == nil {
			formatErr = fmt.Errorf("format %s: %w", name, err)
		}
		return text
	})

	if len(missing) > 0 {
		return out, &UndefinedVariableError{Names: missing}
	}
	if formatErr != nil {
		return out, formatErr
	}
	return out, nil
}

// MustExpand is Expand for templates known to be complete. It panics on error.
func (e *Expander) MustExpand(s string, vars map[string]any) string {
	out, err := e.Expand(s, vars)
	if err != nil {
		panic(fmt.Sprintf("template: %v", err))
	}
	return out
}

func (e *Expander) format(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	}

	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		var data []byte
		var err error
		if e.indent == "" {
			data, err = json.Marshal(v)
		} else {
			data, err = json.MarshalIndent(v, "", e.indent)
		}
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// Variables lists the distinct placeholder names in s in order of first use.
func Variables(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// UndefinedVariableError is returned when variables have no value.
type UndefinedVariableError struct {
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

var defaultExpander = New()

// Expand fills s with the default Expander.
func Expand(s string, vars map[string]any) (string, error) {
	return defaultExpander.Expand(s, vars)
}
