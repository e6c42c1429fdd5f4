package grafana

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// documentSchema is the subset of the dashboard model the deploy endpoint
// needs to accept a document.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "panels", "schemaVersion"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "uid": {"type": "string", "maxLength": 40, "pattern": "^[a-zA-Z0-9_-]*$"},
    "schemaVersion": {"type": "integer", "minimum": 1},
    "panels": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "title"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "datasource": {
            "type": "object",
            "required": ["uid"],
            "properties": {"uid": {"type": "string", "minLength": 1}}
          },
          "targets": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["refId"],
              "properties": {"refId": {"type": "string", "minLength": 1}}
            }
          },
          "gridPos": {
            "type": "object",
            "required": ["x", "y", "w", "h"],
            "properties": {
              "w": {"type": "integer", "minimum": 1, "maximum": 24},
              "h": {"type": "integer", "minimum": 1}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
})

// ValidateDocument checks doc against the dashboard document schema.
func ValidateDocument(doc state.Document) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile dashboard schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate dashboard: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}
	return nil
}
