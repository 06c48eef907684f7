package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

const postgresTablesQuery = `
SELECT table_schema, table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name`

// loadPostgres snapshots every user table of the database: each table is
// exported with COPY TO STDOUT as CSV and materialised in DuckDB.
func (l *Loader) loadPostgres(ctx context.Context, reg *registry, dsn, workDir string) error {
	start := time.Now()
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := pgx.Connect(connectCtx, dsn)
	if err != nil {
		return &LoadError{Location: dsn, Reason: "connect to postgres", Err: err}
	}
	defer func() { _ = conn.Close(context.Background()) }()

	rows, err := conn.Query(ctx, postgresTablesQuery)
	if err != nil {
		return &LoadError{Location: dsn, Reason: "list postgres tables", Err: err}
	}
	type pgTable struct{ schema, name string }
	var tables []pgTable
	for rows.Next() {
		var t pgTable
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			rows.Close()
			return &LoadError{Location: dsn, Reason: "scan postgres table", Err: err}
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &LoadError{Location: dsn, Reason: "list postgres tables", Err: err}
	}
	if len(tables) == 0 {
		return &LoadError{Location: dsn, Reason: "database has no tables"}
	}

	dir := filepath.Join(workDir, "postgres")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &LoadError{Location: dsn, Reason: "create export dir", Err: err}
	}
	for i, t := range tables {
		csvPath := filepath.Join(dir, strconv.Itoa(i)+".csv")
		if err := copyTableToCSV(ctx, conn, pgx.Identifier{t.schema, t.name}, csvPath); err != nil {
			return &LoadError{Location: dsn, Reason: "export " + t.schema + "." + t.name, Err: err}
		}
		name := t.name
		if t.schema != "public" {
			name = t.schema + "_" + t.name
		}
		if err := reg.table(ctx, name, snapshotExpr(csvPath)); err != nil {
			return &LoadError{Location: dsn, Reason: "import " + t.schema + "." + t.name, Err: err}
		}
	}
	observeLoad(KindPostgres, start)
	return nil
}

func copyTableToCSV(ctx context.Context, conn *pgx.Conn, table pgx.Identifier, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	statement := fmt.Sprintf("COPY %s TO STDOUT WITH (FORMAT csv, HEADER true, NULL %s)", table.Sanitize(), quoteString(snapshotNull))
	if _, err := conn.PgConn().CopyTo(ctx, out, statement); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
