package sqlguard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var salesCatalog = Catalog{
	"orders":    {"id", "customer_id", "amount", "status", "created_at", "meta"},
	"customers": {"id", "name", "country"},
}

func requireKind(t *testing.T, err error, kind Kind) *Violation {
	t.Helper()
	require.Error(t, err)
	var violation *Violation
	require.True(t, errors.As(err, &violation), "error %T is not a *Violation", err)
	require.Equal(t, kind, violation.Kind, violation.Error())
	return violation
}

func TestCheckReadOnlyAccepts(t *testing.T) {
	accepted := []string{
		"SELECT * FROM orders",
		"select count(*) from orders;",
		"  WITH t AS (SELECT 1 AS x) SELECT x FROM t ;; ",
		"FROM orders SELECT amount",
		"VALUES (1, 'a')",
		"(SELECT 1) UNION ALL (SELECT 2)",
		"DESCRIBE orders",
		"SUMMARIZE orders",
		"SHOW TABLES",
		"SELECT 'delete from orders' AS note",
		"SELECT 1 -- drop table orders\n",
		"SELECT /* update orders set x = 1 */ 1",
		"SELECT replace(status, 'a', 'b') FROM orders",
		"SELECT * REPLACE (lower(status) AS status) FROM orders",
		"SELECT o.load, o.set FROM orders o",
		`SELECT "delete" FROM orders`,
		"SELECT $$insert$$ AS s",
	}
	for _, sql := range accepted {
		require.NoError(t, CheckReadOnly(sql), sql)
	}
}

func TestCheckReadOnlyRejectsDeleteInAnyCase(t *testing.T) {
	for _, sql := range []string{
		"DELETE FROM orders",
		"delete from orders",
		"DeLeTe FROM orders WHERE id = 1",
	} {
		v := requireKind(t, CheckReadOnly(sql), KindNotReadOnly)
		require.Contains(t, v.Error(), "DELETE")
	}
}

func TestCheckReadOnlyRejectsMutationsInsideReadOnlyStart(t *testing.T) {
	rejected := map[string]string{
		"WITH d AS (DELETE FROM orders RETURNING *) SELECT * FROM d": "DELETE",
		"SELECT * FROM orders; DROP TABLE orders":                    "",
		"(INSERT INTO orders VALUES (1))":                            "INSERT",
		"SELECT 1 FROM orders WHERE id IN (SELECT id FROM x) OR 1=1 UNION SELECT * FROM (COPY orders TO 'x.csv')": "COPY",
	}
	for sql, keyword := range rejected {
		err := CheckReadOnly(sql)
		require.Error(t, err, sql)
		if keyword != "" {
			require.Contains(t, err.Error(), keyword)
		}
	}
}

func TestCheckReadOnlyRejectsNonReadOnlyStarts(t *testing.T) {
	for _, sql := range []string{
		"UPDATE orders SET amount = 0",
		"ATTACH 'other.duckdb'",
		"INSTALL httpfs",
		"LOAD httpfs",
		"PRAGMA database_list",
		"SET threads = 1",
		"CALL pragma_version()",
		"EXPORT DATABASE 'dir'",
		"CREATE TABLE x AS SELECT 1",
		"EXPLAIN SELECT 1",
	} {
		requireKind(t, CheckReadOnly(sql), KindNotReadOnly)
	}
}

func TestCheckReadOnlyStructuralFailures(t *testing.T) {
	requireKind(t, CheckReadOnly(""), KindEmpty)
	requireKind(t, CheckReadOnly(" ; ; "), KindEmpty)
	requireKind(t, CheckReadOnly("-- only a comment"), KindEmpty)
	requireKind(t, CheckReadOnly("SELECT 1; SELECT 2"), KindMultipleStatements)
	requireKind(t, CheckReadOnly("SELECT 'unterminated"), KindSyntax)
	requireKind(t, CheckReadOnly("SELECT 1 /* open"), KindSyntax)
}

func TestCheckReferencesAccepts(t *testing.T) {
	accepted := []string{
		"SELECT id, amount FROM orders",
		"SELECT o.id, c.name FROM orders o JOIN customers c ON o.customer_id = c.id",
		"SELECT o.id FROM orders AS o WHERE o.status = 'paid'",
		"SELECT orders.amount FROM orders",
		"SELECT c.* FROM customers c",
		"SELECT sum(amount) AS total FROM orders GROUP BY status ORDER BY total DESC",
		"SELECT count(*) n FROM orders ORDER BY n",
		"WITH paid AS (SELECT customer_id, sum(amount) AS total FROM orders GROUP BY 1) SELECT p.customer_id, p.total FROM paid p",
		"WITH t(a, b) AS (SELECT id, amount FROM orders) SELECT a, b FROM t",
		"SELECT x.total FROM (SELECT sum(amount) AS total FROM orders) x",
		"SELECT extract(year FROM created_at) AS y, count(*) FROM orders GROUP BY ALL",
		"SELECT id FROM orders WHERE status IS DISTINCT FROM 'paid'",
		"SELECT created_at::DATE d FROM orders WHERE created_at >= DATE '2024-01-01'",
		"SELECT list_transform([1, 2], x -> x * 2) AS doubled",
		"SELECT CASE WHEN amount > 10 THEN 'big' ELSE 'small' END size FROM orders",
		`SELECT "Amount" FROM "Orders"`,
		"SELECT ID FROM ORDERS",
		"SELECT meta.source FROM orders",
		"SELECT * FROM main.orders",
		"SELECT i FROM range(3) r(i)",
		"DESCRIBE orders",
		"SELECT id FROM orders WHERE customer_id IN (SELECT id FROM customers WHERE country = 'DE')",
		"SELECT row_number() OVER (PARTITION BY status ORDER BY amount) AS rn FROM orders",
		"SELECT id FROM orders QUALIFY row_number() OVER w = 1 WINDOW w AS (PARTITION BY customer_id)",
		"FROM orders SELECT status, avg(amount)",
		"SELECT * FROM orders o, customers c WHERE o.customer_id = c.id",
		"SELECT * FROM orders USING SAMPLE 10 PERCENT (bernoulli)",
	}
	for _, sql := range accepted {
		require.NoError(t, CheckReferences(sql, salesCatalog), sql)
	}
}

func TestCheckReferencesUnknownTable(t *testing.T) {
	v := requireKind(t, CheckReferences("SELECT * FROM invoices", salesCatalog), KindUnknownTable)
	require.Equal(t, []string{"invoices"}, v.Names)

	v = requireKind(t, CheckReferences("SELECT * FROM orders o JOIN refunds r ON o.id = r.order_id", salesCatalog), KindUnknownTable)
	require.Equal(t, []string{"refunds"}, v.Names)

	v = requireKind(t, CheckReferences("SELECT * FROM read_csv('/etc/passwd')", salesCatalog), KindUnknownTable)
	require.Equal(t, []string{"read_csv()"}, v.Names)

	v = requireKind(t, CheckReferences("SELECT * FROM '/tmp/secret.parquet'", salesCatalog), KindUnknownTable)
	require.Equal(t, []string{"/tmp/secret.parquet"}, v.Names)
}

func TestCheckReferencesUnknownColumn(t *testing.T) {
	v := requireKind(t, CheckReferences("SELECT total_amount FROM orders", salesCatalog), KindUnknownColumn)
	require.Equal(t, []string{"total_amount"}, v.Names)

	v = requireKind(t, CheckReferences("SELECT o.country FROM orders o", salesCatalog), KindUnknownColumn)
	require.Equal(t, []string{"o.country"}, v.Names)

	v = requireKind(t, CheckReferences(`SELECT id FROM orders WHERE status = "shipped"`, salesCatalog), KindUnknownColumn)
	require.Equal(t, []string{`"shipped"`}, v.Names)

	v = requireKind(t, CheckReferences("SELECT z.id FROM orders o", salesCatalog), KindUnknownColumn)
	require.Equal(t, []string{"z"}, v.Names)
}

func TestCheckReferencesSyntax(t *testing.T) {
	requireKind(t, CheckReferences("SELECT 'x", salesCatalog), KindSyntax)
}

func TestFirstKeyword(t *testing.T) {
	require.Equal(t, "describe", FirstKeyword("  -- c\n DESCRIBE orders"))
	require.Equal(t, "select", FirstKeyword("((SELECT 1))"))
	require.Equal(t, "", FirstKeyword("'lit'"))
	require.Equal(t, "", FirstKeyword(""))
}

func TestStripTrailingSemicolons(t *testing.T) {
	require.Equal(t, "SELECT 1", StripTrailingSemicolons(" SELECT 1 ; ;\n"))
	require.Equal(t, "SELECT 42 AS answer", StripTrailingSemicolons("SELECT 42 AS answer -- the answer"))
	require.Equal(t, "SELECT 1", StripTrailingSemicolons("SELECT 1; -- done\n/* trailing */"))
	require.Equal(t, "SELECT ';' AS s", StripTrailingSemicolons("SELECT ';' AS s;"))
	require.Equal(t, "SELECT a -- keep\nFROM t", StripTrailingSemicolons("SELECT a -- keep\nFROM t;"))
}
