package nl2sql

import (
	"context"
	"sync"

	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/schema"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	i := len(m.prompts)
	m.prompts = append(m.prompts, prompt)
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return m.responses[len(m.responses)-1], nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []query.Request
	results  []query.Result
	errs     []error
}

func (e *fakeEngine) Execute(_ context.Context, request query.Request) (query.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.requests)
	e.requests = append(e.requests, request)
	if i < len(e.errs) && e.errs[i] != nil {
		return query.Result{}, e.errs[i]
	}
	if i < len(e.results) {
		return e.results[i], nil
	}
	return query.Result{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}, nil
}

func salesSchema() schema.Description {
	return schema.Description{
		Tables: []schema.Table{
			{
				Name: "customers",
				Columns: []schema.Column{
					{Name: "id", Type: "INTEGER"},
					{Name: "name", Type: "VARCHAR", Nullable: true, Samples: []string{"Ada", "O'Brien"}},
				},
			},
			{
				Name: "orders",
				Columns: []schema.Column{
					{Name: "id", Type: "INTEGER"},
					{Name: "customer_id", Type: "INTEGER", Nullable: true},
					{Name: "amount", Type: "DOUBLE", Nullable: true},
				},
			},
		},
		Relationships: []schema.Relationship{{
			From:       schema.ColumnRef{Table: "orders", Column: "customer_id"},
			To:         schema.ColumnRef{Table: "customers", Column: "id"},
			Confidence: 0.9,
			Reason:     "orders.customer_id and customers.id have matching names",
		}},
	}
}

func fenced(sql string) string {
	return "Here you go:\n```sql\n" + sql + "\n```\n"
}
