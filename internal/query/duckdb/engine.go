package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/sqlguard"
)

// Engine runs read-only statements against an open DuckDB database.
type Engine struct {
	DB *sql.DB
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{DB: db}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if err := sqlguard.CheckReadOnly(request.SQL); err != nil {
		return query.Result{}, &query.ExecutionError{SQL: request.SQL, Message: err.Error(), Rejected: true, Err: err}
	}
	if e.DB == nil {
		return query.Result{}, fmt.Errorf("duckdb handle is required")
	}

	start := time.Now()
	sqlText := sqlguard.StripTrailingSemicolons(request.SQL)
	if request.RowLimit > 0 && !isPassthrough(sqlText) {
		// one extra row tells us whether the result was cut
		sqlText = fmt.Sprintf("SELECT * FROM (%s\n) AS q LIMIT %d", sqlText, request.RowLimit+1)
	}

	rows, err := e.DB.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, executionError(ctx, request.SQL, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, executionError(ctx, request.SQL, err)
	}
	columnTypes := make([]string, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, columnType := range types {
			if i < len(columnTypes) {
				columnTypes[i] = columnType.DatabaseTypeName()
			}
		}
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if request.RowLimit > 0 && len(resultRows) == request.RowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, executionError(ctx, request.SQL, err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, executionError(ctx, request.SQL, err)
	}

	elapsed := time.Since(start)
	observability.ObserveQueryDuration(elapsed)
	return query.Result{
		Columns:     columns,
		ColumnTypes: columnTypes,
		Rows:        resultRows,
		Truncated:   truncated,
		Duration:    elapsed,
	}, nil
}

// executionError keeps context cancellation distinguishable from engine errors.
func executionError(ctx context.Context, sqlText string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "interrupted")) {
		return ctxErr
	}
	return &query.ExecutionError{SQL: sqlText, Message: err.Error(), Err: err}
}

func isPassthrough(sqlText string) bool {
	switch sqlguard.FirstKeyword(sqlText) {
	case "describe", "show", "summarize":
		return true
	default:
		return false
	}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
