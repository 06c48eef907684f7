package query

import (
	"context"
	"time"
)

type Request struct {
	SQL string
	// RowLimit caps returned rows; zero means unlimited.
	RowLimit int
}

type Result struct {
	Columns     []string
	ColumnTypes []string
	Rows        [][]any
	// Truncated is set when more than RowLimit rows existed.
	Truncated bool
	Duration  time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// ExecutionError is a statement the engine refused or failed to run. Rejected
// marks statements stopped before reaching the database.
type ExecutionError struct {
	SQL      string
	Message  string
	Rejected bool
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Rejected {
		return "statement rejected: " + e.Message
	}
	return "execution failed: " + e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
