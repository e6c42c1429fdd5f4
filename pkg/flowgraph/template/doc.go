/*
Package template fills ${var} placeholders in prompt text.

# Basic Usage

	text, err := template.New().Expand("Queries:\n${queries}", map[string]any{
	    "queries": []string{"cpu usage", "error rate"},
	})

String values are inserted verbatim. Numbers and booleans use their %v
form. Slices, maps and structs are inserted as indented JSON so the
receiving model sees a well-formed document.

Only the brace form is recognized. A bare $name is left alone, which keeps
PromQL and shell fragments like $__rate_interval intact.

# Missing Variables

By default a placeholder with no value is an error:

	_, err := template.New().Expand("Hello ${name}", nil)
	// err: undefined variable: name

WithMissingAction(MissingKeep) leaves the placeholder in place and
MissingEmpty removes it.

# Thread Safety

Expander is safe for concurrent use after construction.
*/
package template
