// Package postgres renders the schema context handed to relational query
// generation, either from a live database or from a YAML metadata file.
package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Database describes the tables a relational query may use.
type Database struct {
	Name        string  `yaml:"database_name"`
	Description string  `yaml:"database_desc"`
	Tables      []Table `yaml:"tables"`
}

// Table is one table and its described columns.
type Table struct {
	Name        string  `yaml:"table_name"`
	Description string  `yaml:"table_desc"`
	Columns     Columns `yaml:"columns_metadata"`
}

// Column pairs a column name with its description.
type Column struct {
	Name        string
	Description string
}

// Columns keeps the order columns were written in.
type Columns []Column

// UnmarshalYAML decodes a name -> description mapping in document order.
func (c *Columns) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("columns_metadata: line %d: expected a mapping", node.Line)
	}
	cols := make(Columns, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var col Column
		if err := node.Content[i].Decode(&col.Name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&col.Description); err != nil {
			return err
		}
		cols = append(cols, col)
	}
	*c = cols
	return nil
}

// Render formats the database for a prompt.
func (d Database) Render() string {
	name := d.Name
	if name == "" {
		name = "Unknown"
	}
	lines := []string{"Database: " + name}
	if d.Description != "" {
		lines = append(lines, "Description: "+d.Description+"\n")
	}
	for _, t := range d.Tables {
		line := "\nTable: " + t.Name
		if t.Description != "" {
			line += " - " + t.Description
		}
		lines = append(lines, line)
		for _, col := range t.Columns {
			lines = append(lines, fmt.Sprintf("  - %s: %s", col.Name, col.Description))
		}
	}
	return strings.Join(lines, "\n")
}

// TableNames lists the tables in declaration order.
func (d Database) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for _, t := range d.Tables {
		names = append(names, t.Name)
	}
	return names
}

type metadataFile struct {
	Postgres Database `yaml:"postgres"`
}

// MetadataSchema serves schema context from a metadata file. Every
// datasource gets the same context.
type MetadataSchema struct {
	db       Database
	rendered string
}

var _ provider.SchemaSource = (*MetadataSchema)(nil)

// ParseMetadata decodes metadata YAML with a top-level "postgres" key.
func ParseMetadata(data []byte) (*MetadataSchema, error) {
	var f metadataFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &MetadataSchema{db: f.Postgres, rendered: f.Postgres.Render()}, nil
}

// LoadMetadata reads and parses a metadata file.
func LoadMetadata(path string) (*MetadataSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return ParseMetadata(data)
}

// Database returns the parsed description.
func (m *MetadataSchema) Database() Database { return m.db }

// SchemaContext implements provider.SchemaSource.
func (m *MetadataSchema) SchemaContext(context.Context, state.Datasource) (string, error) {
	return m.rendered, nil
}
