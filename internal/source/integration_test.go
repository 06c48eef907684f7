//go:build integration

package source

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestLoadPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("DUCKASK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUCKASK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = conn.Close(ctx) }()

	_, err = conn.Exec(ctx, `
DROP TABLE IF EXISTS duckask_it_orders;
CREATE TABLE duckask_it_orders (id integer PRIMARY KEY, city text, amount numeric, note text);
INSERT INTO duckask_it_orders VALUES (1, 'Oslo', 10.5, ''), (2, 'Rome', NULL, NULL);`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = conn.Exec(context.Background(), "DROP TABLE IF EXISTS duckask_it_orders") })

	ds, err := NewLoader(Options{}).Load(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = ds.Close() }()
	require.Contains(t, ds.Tables, "duckask_it_orders")

	var n int64
	require.NoError(t, ds.DB.QueryRow("SELECT count(*) FROM duckask_it_orders WHERE amount IS NULL").Scan(&n))
	require.Equal(t, int64(1), n)

	var blank, missing int64
	require.NoError(t, ds.DB.QueryRow("SELECT count(*) FILTER (WHERE note = ''), count(*) FILTER (WHERE note IS NULL) FROM duckask_it_orders").Scan(&blank, &missing))
	require.Equal(t, int64(1), blank)
	require.Equal(t, int64(1), missing)
}
