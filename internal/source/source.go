// Package source loads user data into an in-memory DuckDB database. Local
// files, directories, s3:// objects, sqlite files and postgres databases all
// end up as tables or views in the main schema.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/storage"
)

const defaultDownloads = 4

// LoadError reports a location that could not be turned into tables.
type LoadError struct {
	Location string
	Reason   string
	Err      error
}

func (e *LoadError) Error() string {
	location := observability.Mask(e.Location)
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", location, e.Reason, e.Err)
	}
	return fmt.Sprintf("load %s: %s", location, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Dataset is an open DuckDB handle and the tables registered in it. It is
// immutable once Load returns.
type Dataset struct {
	DB        *sql.DB
	Tables    []string
	Locations []string

	cleanup []func() error
}

func (d *Dataset) Close() error {
	var errs []error
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, d.cleanup[i]())
	}
	return errors.Join(errs...)
}

type Options struct {
	// Cache holds converted parquet files. Nil disables caching.
	Cache *Cache
	// ObjectStores opens the store for an s3 bucket.
	ObjectStores func(bucket string) (storage.ObjectStore, error)
	// Downloads bounds concurrent object fetches.
	Downloads int
	TempDir   string
	Logger    *slog.Logger
}

type Loader struct {
	opts   Options
	logger *slog.Logger
}

func NewLoader(opts Options) *Loader {
	if opts.Downloads <= 0 {
		opts.Downloads = defaultDownloads
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{opts: opts, logger: logger}
}

// Load registers every location in a fresh database. Any failure closes the
// database and returns a *LoadError.
func (l *Loader) Load(ctx context.Context, locations ...string) (*Dataset, error) {
	if len(locations) == 0 {
		return nil, &LoadError{Reason: "no data locations given"}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, &LoadError{Location: strings.Join(locations, ", "), Reason: "open duckdb", Err: err}
	}
	ds := &Dataset{DB: db, Locations: append([]string(nil), locations...)}

	workDir, err := os.MkdirTemp(l.opts.TempDir, "duckask-load-")
	if err != nil {
		_ = ds.Close()
		return nil, &LoadError{Location: strings.Join(locations, ", "), Reason: "create work dir", Err: err}
	}
	ds.cleanup = append(ds.cleanup, func() error { return os.RemoveAll(workDir) })

	reg := newRegistry(db)
	for i, location := range locations {
		if err := ctx.Err(); err != nil {
			_ = ds.Close()
			return nil, err
		}
		if err := l.loadLocation(ctx, reg, location, filepath.Join(workDir, strconv.Itoa(i))); err != nil {
			_ = ds.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var loadErr *LoadError
			if errors.As(err, &loadErr) {
				return nil, loadErr
			}
			return nil, &LoadError{Location: location, Reason: "register", Err: err}
		}
	}
	if len(reg.names) == 0 {
		_ = ds.Close()
		return nil, &LoadError{Location: strings.Join(locations, ", "), Reason: "no tables found"}
	}

	ds.Tables = reg.tables()
	l.logger.Info("dataset loaded", slog.Int("locations", len(locations)), slog.Any("tables", ds.Tables))
	return ds, nil
}

func (l *Loader) loadLocation(ctx context.Context, reg *registry, location, workDir string) error {
	trimmed := strings.TrimSpace(location)
	switch {
	case isPostgresDSN(trimmed):
		return l.loadPostgres(ctx, reg, trimmed, workDir)
	case storage.IsURI(trimmed):
		paths, err := l.fetchObjects(ctx, trimmed, workDir)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if err := l.loadFile(ctx, reg, trimmed, path, workDir); err != nil {
				return err
			}
		}
		return nil
	default:
		files, err := expandLocal(trimmed)
		if err != nil {
			return err
		}
		for _, path := range files {
			if err := l.loadFile(ctx, reg, trimmed, path, workDir); err != nil {
				return err
			}
		}
		return nil
	}
}

func (l *Loader) loadFile(ctx context.Context, reg *registry, location, path, workDir string) error {
	kind, ok := kindOf(path)
	if !ok {
		return &LoadError{Location: location, Reason: "unsupported file type " + path}
	}
	start := time.Now()
	hit := false
	var err error
	switch kind {
	case KindParquet:
		err = reg.view(ctx, stem(path), "read_parquet("+quoteString(path)+")")
	case KindCSV, KindTSV, KindJSON:
		hit, err = l.loadConvertible(ctx, reg, kind, path)
	case KindDuckDB:
		err = reg.attach(ctx, path)
	case KindSQLite:
		err = l.loadSQLite(ctx, reg, path, workDir)
	}
	if err != nil {
		return &LoadError{Location: location, Reason: "load " + string(kind) + " file " + path, Err: err}
	}
	observability.ObserveDatasetLoad(string(kind), hit, time.Since(start))
	l.logger.Debug("file registered", slog.String("path", path), slog.String("kind", string(kind)), slog.Bool("cache_hit", hit))
	return nil
}

func observeLoad(kind Kind, start time.Time) {
	observability.ObserveDatasetLoad(string(kind), false, time.Since(start))
}

// loadConvertible serves text formats from the parquet cache, converting on
// a miss. Without a cache the file is materialised as a table.
func (l *Loader) loadConvertible(ctx context.Context, reg *registry, kind Kind, path string) (bool, error) {
	reader := readExpr(kind, path)
	if l.opts.Cache == nil {
		return false, reg.table(ctx, stem(path), reader)
	}
	cached, hit, err := l.opts.Cache.Ensure(ctx, reg.db, path, reader)
	if err != nil {
		return false, err
	}
	return hit, reg.view(ctx, stem(path), "read_parquet("+quoteString(cached)+")")
}

func readExpr(kind Kind, path string) string {
	switch kind {
	case KindTSV:
		return fmt.Sprintf("read_csv(%s, delim = '\\t', header = true)", quoteString(path))
	case KindJSON:
		return fmt.Sprintf("read_json_auto(%s)", quoteString(path))
	default:
		return fmt.Sprintf("read_csv(%s, header = true)", quoteString(path))
	}
}

// snapshotNull marks NULL in CSV snapshots of database tables, so that
// empty strings survive the round trip.
const snapshotNull = `\N`

// snapshotExpr reads a CSV snapshot written with snapshotNull for NULLs.
func snapshotExpr(path string) string {
	return fmt.Sprintf("read_csv(%s, header = true, nullstr = %s, allow_quoted_nulls = false)", quoteString(path), quoteString(snapshotNull))
}

// registry creates uniquely named relations in the main schema.
type registry struct {
	db       *sql.DB
	names    map[string]bool
	attached int
}

func newRegistry(db *sql.DB) *registry {
	return &registry{db: db, names: map[string]bool{}}
}

func (r *registry) claim(raw string) string {
	base := SanitizeName(raw)
	name := base
	for n := 2; r.names[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	r.names[name] = true
	return name
}

func (r *registry) view(ctx context.Context, raw, from string) error {
	name := r.claim(raw)
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("CREATE VIEW main.%s AS SELECT * FROM %s", quoteIdent(name), from))
	return err
}

func (r *registry) table(ctx context.Context, raw, from string) error {
	name := r.claim(raw)
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE main.%s AS SELECT * FROM %s", quoteIdent(name), from))
	return err
}

// attach opens a DuckDB database file read-only and exposes its main-schema
// tables as views.
func (r *registry) attach(ctx context.Context, path string) error {
	r.attached++
	alias := fmt.Sprintf("src_%d", r.attached)
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("ATTACH %s AS %s (READ_ONLY)", quoteString(path), quoteIdent(alias))); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_catalog = ? AND table_schema = 'main' ORDER BY table_name", alias)
	if err != nil {
		return fmt.Errorf("list attached tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan attached table: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate attached tables: %w", err)
	}
	_ = rows.Close()
	if len(tables) == 0 {
		return fmt.Errorf("database has no tables")
	}
	for _, table := range tables {
		if err := r.view(ctx, table, quoteIdent(alias)+".main."+quoteIdent(table)); err != nil {
			return err
		}
	}
	return nil
}

func (r *registry) tables() []string {
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func quoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
