package source

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// loadSQLite copies every table of a sqlite file into DuckDB through CSV.
func (l *Loader) loadSQLite(ctx context.Context, reg *registry, path, workDir string) error {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()

	tables, err := sqliteTables(ctx, db)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return fmt.Errorf("database has no tables")
	}

	dir := filepath.Join(workDir, "sqlite", SanitizeName(stem(path)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	for i, table := range tables {
		csvPath := filepath.Join(dir, strconv.Itoa(i)+".csv")
		if err := exportSQLiteTable(ctx, db, table, csvPath); err != nil {
			return fmt.Errorf("export %s: %w", table, err)
		}
		if err := reg.table(ctx, table, snapshotExpr(csvPath)); err != nil {
			return fmt.Errorf("import %s: %w", table, err)
		}
	}
	return nil
}

func sqliteTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list sqlite tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan sqlite table: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func exportSQLiteTable(ctx context.Context, db *sql.DB, table, dst string) error {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	w := csv.NewWriter(out)
	if err := w.Write(columns); err != nil {
		return err
	}

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	record := make([]string, len(columns))
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return err
		}
		for i, value := range values {
			record[i] = csvValue(value)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return out.Close()
}

func csvValue(value any) string {
	switch v := value.(type) {
	case nil:
		return snapshotNull
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
