// Package schema describes the tables of a loaded dataset for prompting and
// for validating generated SQL.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"
)

var ErrEmptySchema = errors.New("dataset has no tables or columns")

const (
	DefaultSampleLimit   = 5
	DefaultMinConfidence = 0.5
	maxSampleLength      = 64
)

type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (r ColumnRef) String() string {
	return r.Table + "." + r.Column
}

type Column struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable"`
	Samples  []string `json:"samples,omitempty"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Relationship is a guessed join path between two columns. It is never
// enforced by the database.
type Relationship struct {
	From       ColumnRef `json:"from"`
	To         ColumnRef `json:"to"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

type Description struct {
	Tables        []Table        `json:"tables"`
	Relationships []Relationship `json:"inferred_relationships"`
}

// Catalog returns table name to column names in ordinal order.
func (d Description) Catalog() map[string][]string {
	out := make(map[string][]string, len(d.Tables))
	for _, table := range d.Tables {
		names := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			names = append(names, column.Name)
		}
		out[table.Name] = names
	}
	return out
}

func (d Description) Table(name string) (Table, bool) {
	for _, table := range d.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

func (d Description) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		names = append(names, table.Name)
	}
	return names
}

type Options struct {
	// SampleLimit caps distinct sample values per column. Zero disables sampling.
	SampleLimit   int
	MinConfidence float64
}

type Introspector struct {
	db     *sql.DB
	logger *slog.Logger
	opts   Options
}

func NewIntrospector(db *sql.DB, logger *slog.Logger, opts Options) *Introspector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.SampleLimit < 0 {
		opts.SampleLimit = 0
	}
	return &Introspector{db: db, logger: logger, opts: opts}
}

const columnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'main' AND table_catalog = current_database()
ORDER BY table_name, ordinal_position`

// Describe reads column metadata for tables, samples values and infers
// relationships. Tables are reported in name order.
func (i *Introspector) Describe(ctx context.Context, tables []string) (Description, error) {
	if len(tables) == 0 {
		return Description{}, ErrEmptySchema
	}
	wanted := make(map[string]string, len(tables))
	for _, table := range tables {
		wanted[strings.ToLower(table)] = table
	}

	rows, err := i.db.QueryContext(ctx, columnsQuery)
	if err != nil {
		return Description{}, fmt.Errorf("read columns: %w", err)
	}
	defer rows.Close()

	byTable := map[string]*Table{}
	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return Description{}, fmt.Errorf("scan column: %w", err)
		}
		if _, ok := wanted[strings.ToLower(tableName)]; !ok {
			continue
		}
		table, ok := byTable[tableName]
		if !ok {
			table = &Table{Name: tableName}
			byTable[tableName] = table
		}
		table.Columns = append(table.Columns, Column{
			Name:     columnName,
			Type:     dataType,
			Nullable: strings.EqualFold(strings.TrimSpace(nullable), "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return Description{}, fmt.Errorf("iterate columns: %w", err)
	}
	if err := rows.Close(); err != nil {
		return Description{}, fmt.Errorf("close columns: %w", err)
	}

	desc := Description{Tables: make([]Table, 0, len(tables))}
	for _, requested := range sortedValues(wanted) {
		table, ok := findTable(byTable, requested)
		if !ok || len(table.Columns) == 0 {
			return Description{}, fmt.Errorf("%w: table %q has no columns", ErrEmptySchema, requested)
		}
		desc.Tables = append(desc.Tables, *table)
	}

	if i.opts.SampleLimit > 0 {
		for t := range desc.Tables {
			for c := range desc.Tables[t].Columns {
				if err := ctx.Err(); err != nil {
					return Description{}, err
				}
				desc.Tables[t].Columns[c].Samples = i.samples(ctx, desc.Tables[t].Name, desc.Tables[t].Columns[c].Name)
			}
		}
	}

	desc.Relationships = InferRelationships(desc.Tables, i.opts.MinConfidence)
	return desc, nil
}

func (i *Introspector) samples(ctx context.Context, table, column string) []string {
	query := fmt.Sprintf(
		"SELECT DISTINCT CAST(%s AS VARCHAR) AS sample_value FROM %s WHERE %s IS NOT NULL ORDER BY sample_value LIMIT %d",
		QuoteIdent(column), QuoteIdent(table), QuoteIdent(column), i.opts.SampleLimit,
	)
	rows, err := i.db.QueryContext(ctx, query)
	if err != nil {
		i.logger.Warn("sample query failed", slog.String("table", table), slog.String("column", column), slog.Any("error", err))
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value sql.NullString
		if err := rows.Scan(&value); err != nil {
			i.logger.Warn("sample scan failed", slog.String("table", table), slog.String("column", column), slog.Any("error", err))
			return nil
		}
		if value.Valid {
			out = append(out, truncate(value.String, maxSampleLength))
		}
	}
	if err := rows.Err(); err != nil {
		i.logger.Warn("sample iteration failed", slog.String("table", table), slog.String("column", column), slog.Any("error", err))
		return nil
	}
	sort.Strings(out)
	return out
}

func findTable(byTable map[string]*Table, name string) (*Table, bool) {
	if table, ok := byTable[name]; ok {
		return table, true
	}
	for key, table := range byTable {
		if strings.EqualFold(key, name) {
			return table, true
		}
	}
	return nil, false
}

func sortedValues(values map[string]string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

// QuoteIdent double-quotes an identifier for DuckDB.
func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
