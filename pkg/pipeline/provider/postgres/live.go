package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

const columnsQuery = `
SELECT table_schema, table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name, ordinal_position`

// LiveSchema reads schema context from information_schema on every call.
type LiveSchema struct {
	db *sql.DB
}

var _ provider.SchemaSource = (*LiveSchema)(nil)

// NewLiveSchema wraps an open database handle.
func NewLiveSchema(db *sql.DB) *LiveSchema {
	return &LiveSchema{db: db}
}

// OpenLive connects with the pgx driver and verifies the connection.
func OpenLive(ctx context.Context, dsn string) (*LiveSchema, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &LiveSchema{db: db}, nil
}

// Close releases the database handle.
func (l *LiveSchema) Close() error {
	return l.db.Close()
}

// SchemaContext implements provider.SchemaSource.
func (l *LiveSchema) SchemaContext(ctx context.Context, _ state.Datasource) (string, error) {
	db, err := l.Describe(ctx)
	if err != nil {
		return "", err
	}
	return db.Render(), nil
}

// Describe reads the current database's tables and columns.
func (l *LiveSchema) Describe(ctx context.Context) (Database, error) {
	var name string
	if err := l.db.QueryRowContext(ctx, "SELECT current_database()").Scan(&name); err != nil {
		return Database{}, fmt.Errorf("current database: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, columnsQuery)
	if err != nil {
		return Database{}, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []columnRow
	for rows.Next() {
		var c columnRow
		if err := rows.Scan(&c.schema, &c.table, &c.column, &c.dataType, &c.nullable); err != nil {
			return Database{}, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return Database{}, fmt.Errorf("list columns: %w", err)
	}

	return groupColumns(name, cols), nil
}

type columnRow struct {
	schema, table, column, dataType, nullable string
}

// groupColumns folds ordered column rows into tables. Tables outside the
// public schema are qualified with their schema name.
func groupColumns(dbName string, rows []columnRow) Database {
	db := Database{Name: dbName}
	index := make(map[string]int)
	for _, r := range rows {
		name := r.table
		if r.schema != "public" {
			name = r.schema + "." + r.table
		}
		i, ok := index[name]
		if !ok {
			i = len(db.Tables)
			index[name] = i
			db.Tables = append(db.Tables, Table{Name: name})
		}
		desc := r.dataType
		if r.nullable == "NO" {
			desc += " not null"
		}
		db.Tables[i].Columns = append(db.Tables[i].Columns, Column{Name: r.column, Description: desc})
	}
	return db
}
