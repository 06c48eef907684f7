package duckask

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"
	"github.com/ergochat/readline"

	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/schema"
)

type scriptedReader struct {
	lines []string
	errs  map[int]error
	next  int
}

func (r *scriptedReader) ReadLine() (string, error) {
	i := r.next
	r.next++
	if err, ok := r.errs[i]; ok {
		return "", err
	}
	if i >= len(r.lines) {
		return "", io.EOF
	}
	return r.lines[i], nil
}

func (r *scriptedReader) Close() error { return nil }

type harness struct {
	dir     string
	env     map[string]string
	store   *auth.Store
	sql     func(prompt string) string
	reader  *scriptedReader
	stdin   string
	copied  []string
	prompts []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "orders.csv"), "id,customer_id,city\n1,10,Oslo\n2,11,Rome\n3,10,Oslo\n")
	writeData(t, filepath.Join(dir, "customers.csv"), "id,name\n10,Ada\n11,Bob\n")
	return &harness{
		dir: dir,
		env: map[string]string{
			"DUCKASK_PROFILE":    "test",
			"DUCKASK_AI_API_KEY": "sk-test-0123456789",
			"DUCKASK_CACHE_DIR":  filepath.Join(dir, "cache"),
		},
		store: auth.NewStore(keyring.NewArrayKeyring(nil)),
		sql: func(string) string {
			return "SELECT city, count(*) AS n FROM orders GROUP BY city"
		},
		reader: &scriptedReader{},
	}
}

func writeData(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	plain := false
	code := Run(context.Background(), args, Options{
		Stdout: &stdout,
		Stderr: &stderr,
		Stdin:  strings.NewReader(h.stdin),
		Lookup: func(key string) (string, bool) {
			value, ok := h.env[key]
			return value, ok
		},
		OpenKeyring: func() (*auth.Store, error) { return h.store, nil },
		NewModel: func(_ config.AIConfig, _ string, _ *slog.Logger) (nl2sql.Model, error) {
			return nl2sql.ModelFunc(func(_ context.Context, prompt string) (string, error) {
				h.prompts = append(h.prompts, prompt)
				if strings.HasPrefix(prompt, "Explain what the following query result means") {
					return "Oslo has the most orders.", nil
				}
				return "```sql\n" + h.sql(prompt) + "\n```", nil
			}), nil
		},
		NewLineReader: func(string, string) (LineReader, error) { return h.reader, nil },
		Terminal:      &plain,
		Clipboard: func(text string) error {
			h.copied = append(h.copied, text)
			return nil
		},
	})
	return code, stdout.String(), stderr.String()
}

func TestRunQueryPrintsSQLAndRows(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("query", h.path("orders.csv"), h.path("customers.csv"), "orders per city?")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	for _, want := range []string{
		"SQL\nSELECT city, count(*) AS n FROM orders GROUP BY city\n",
		"| city | n |",
		"| Oslo | 2 |",
		"| Rome | 1 |",
		"2 rows",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if len(h.prompts) != 1 || !strings.Contains(h.prompts[0], "### customers") {
		t.Fatalf("prompts = %v", h.prompts)
	}
}

func TestRunQueryAnalyze(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("query", "--analyze", h.path("orders.csv"), "orders per city?")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Analysis\nOslo has the most orders.") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunQueryTruncatesAtMaxRows(t *testing.T) {
	h := newHarness(t)
	h.sql = func(string) string { return "SELECT id FROM orders" }
	code, stdout, stderr := h.run("--max-rows", "2", "query", h.path("orders.csv"), "ids")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "first 2 rows shown") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunQueryFailureExitsOne(t *testing.T) {
	h := newHarness(t)
	h.sql = func(string) string { return "DELETE FROM orders" }
	code, stdout, _ := h.run("query", h.path("orders.csv"), "remove all orders")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "Could not answer after 3 attempts") || !strings.Contains(stdout, "Last SQL tried:\nDELETE FROM orders") {
		t.Fatalf("stdout = %s", stdout)
	}
	if len(h.prompts) != 3 {
		t.Fatalf("model calls = %d, want 3", len(h.prompts))
	}
}

func TestRunConfigFileFlag(t *testing.T) {
	h := newHarness(t)
	h.sql = func(string) string { return "SELECT nope FROM orders" }
	cfgPath := h.path("config.yaml")
	writeData(t, cfgPath, "ai:\n  max_attempts: 1\n")

	code, stdout, _ := h.run("--config", cfgPath, "query", h.path("orders.csv"), "q")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "Could not answer after 1 attempt:") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunUsageErrors(t *testing.T) {
	h := newHarness(t)
	tests := [][]string{
		{"query", h.path("orders.csv")},
		{"--bogus", "query", h.path("orders.csv"), "q"},
		{"explode"},
		{"--max-rows", "0", "query", h.path("orders.csv"), "q"},
		{"--log-level", "loud", "schema", h.path("orders.csv")},
		{"schema"},
		{"auth", "status", "extra"},
	}
	for _, args := range tests {
		code, _, stderr := h.run(args...)
		if code != 2 {
			t.Fatalf("args %v: exit code = %d, want 2 (stderr=%s)", args, code, stderr)
		}
	}
}

func TestRunQueryMissingFile(t *testing.T) {
	h := newHarness(t)
	code, _, stderr := h.run("query", h.path("missing.csv"), "q")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "missing.csv") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunQueryUsesKeyringWhenNoKeyConfigured(t *testing.T) {
	h := newHarness(t)
	delete(h.env, "DUCKASK_AI_API_KEY")

	code, _, stderr := h.run("query", h.path("orders.csv"), "q")
	if code != 1 || !strings.Contains(stderr, "duckask auth login") {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	if err := h.store.SetAPIKey("sk-from-keyring-1234"); err != nil {
		t.Fatalf("SetAPIKey() error = %v", err)
	}
	code, _, stderr = h.run("query", h.path("orders.csv"), "q")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
}

func TestRunSchemaJSON(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("schema", "--json", h.path("orders.csv"), h.path("customers.csv"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	var desc schema.Description
	if err := json.Unmarshal([]byte(stdout), &desc); err != nil {
		t.Fatalf("Unmarshal() error = %v\n%s", err, stdout)
	}
	if got := desc.TableNames(); len(got) != 2 || got[0] != "customers" || got[1] != "orders" {
		t.Fatalf("tables = %v", got)
	}
	found := false
	for _, rel := range desc.Relationships {
		pair := rel.From.String() + "|" + rel.To.String()
		if pair == "customers.id|orders.customer_id" || pair == "orders.customer_id|customers.id" {
			found = true
		}
	}
	if !found {
		t.Fatalf("relationships = %+v", desc.Relationships)
	}
	if !strings.Contains(stdout, `"inferred_relationships"`) {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunSchemaText(t *testing.T) {
	h := newHarness(t)
	code, stdout, _ := h.run("schema", h.path("orders.csv"))
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "orders\n  id ") || !strings.Contains(stdout, "Inferred relationships (heuristic)\n  none") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunChat(t *testing.T) {
	h := newHarness(t)
	h.reader.lines = []string{
		"orders per city?",
		"",
		".sql",
		".schema orders",
		".schema nope",
		".analyze on",
		"and customers?",
		".history",
		".copy",
		".bogus",
		".exit",
		"never asked",
	}
	h.sql = func(prompt string) string {
		if strings.Contains(prompt, "## Question\nand customers?") {
			return "SELECT name FROM customers"
		}
		return "SELECT city, count(*) AS n FROM orders GROUP BY city"
	}

	code, stdout, stderr := h.run("chat", h.path("orders.csv"), h.path("customers.csv"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	for _, want := range []string{
		"Loaded 2 tables: customers, orders",
		"| Oslo | 2 |",
		"analysis on",
		"| Ada |",
		"Analysis\nOslo has the most orders.",
		"1. orders per city?",
		"2. and customers?",
		"copied the last SQL to the clipboard",
		"  customer_id BIGINT",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "  name VARCHAR") {
		t.Fatalf(".schema orders should not list customers:\n%s", stdout)
	}
	if !strings.Contains(stderr, "unknown command .bogus") {
		t.Fatalf("stderr = %s", stderr)
	}
	if !strings.Contains(stderr, "unknown table nope (tables: customers, orders)") {
		t.Fatalf("stderr = %s", stderr)
	}
	if len(h.copied) != 1 || h.copied[0] != "SELECT name FROM customers" {
		t.Fatalf("copied = %v", h.copied)
	}

	var followUp string
	for _, prompt := range h.prompts {
		if strings.HasPrefix(prompt, "Explain") {
			continue
		}
		if strings.Contains(prompt, "## Question\nand customers?") {
			followUp = prompt
		}
	}
	if !strings.Contains(followUp, "### Turn 1\nQuestion: orders per city?") {
		t.Fatalf("follow-up prompt lacks history:\n%s", followUp)
	}
	if strings.Contains(stdout, "never asked") {
		t.Fatal("input after .exit should not be read")
	}
}

func TestRunChatReportsRetries(t *testing.T) {
	h := newHarness(t)
	h.reader.lines = []string{"ids?"}
	calls := 0
	h.sql = func(string) string {
		calls++
		if calls == 1 {
			return "SELECT order_id FROM orders"
		}
		return "SELECT id FROM orders"
	}
	code, _, stderr := h.run("chat", h.path("orders.csv"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stderr, "attempt 1 rejected (unknown_column): unknown column: order_id") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestRunChatSurvivesInterruptAtPrompt(t *testing.T) {
	h := newHarness(t)
	h.reader.errs = map[int]error{0: readline.ErrInterrupt}
	h.reader.lines = []string{"", ".sql"}
	code, stdout, stderr := h.run("chat", h.path("orders.csv"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "no SQL yet") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunAuthLifecycle(t *testing.T) {
	h := newHarness(t)
	delete(h.env, "DUCKASK_AI_API_KEY")

	code, stdout, _ := h.run("auth", "status")
	if code != 1 || !strings.Contains(stdout, "no API key configured") {
		t.Fatalf("status before login: code=%d stdout=%s", code, stdout)
	}

	code, stdout, stderr := h.run("auth", "login", "--key", "sk-abcdefgh12345678")
	if code != 0 {
		t.Fatalf("login exit code = %d, stderr=%s", code, stderr)
	}
	if strings.Contains(stdout, "abcdefgh") || !strings.Contains(stdout, "sk-...5678") {
		t.Fatalf("login stdout = %s", stdout)
	}

	code, stdout, _ = h.run("auth", "status")
	if code != 0 || !strings.Contains(stdout, "API key sk-...5678 (from keyring)") {
		t.Fatalf("status after login: code=%d stdout=%s", code, stdout)
	}

	if code, _, _ = h.run("auth", "logout"); code != 0 {
		t.Fatalf("logout exit code = %d", code)
	}
	if code, _, _ = h.run("auth", "status"); code != 1 {
		t.Fatalf("status after logout exit code = %d", code)
	}
}

func TestRunAuthLoginReadsStdin(t *testing.T) {
	h := newHarness(t)
	h.stdin = "sk-from-stdin-9876\n"
	if code, _, stderr := h.run("auth", "login"); code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	key, err := h.store.APIKey()
	if err != nil || key != "sk-from-stdin-9876" {
		t.Fatalf("APIKey() = %q, %v", key, err)
	}

	h.stdin = ""
	if code, _, _ := h.run("auth", "login"); code != 2 {
		t.Fatalf("empty stdin exit code = %d, want 2", code)
	}
}

func TestRunCacheClear(t *testing.T) {
	h := newHarness(t)
	cacheDir := h.env["DUCKASK_CACHE_DIR"]
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	writeData(t, filepath.Join(cacheDir, "orders-1.parquet"), "x")
	writeData(t, filepath.Join(cacheDir, "orders-2.parquet"), "x")

	code, stdout, stderr := h.run("cache", "clear")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "removed 2 cached files") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestRunWithCacheEnabledReusesConversion(t *testing.T) {
	h := newHarness(t)
	h.env["DUCKASK_CACHE_ENABLED"] = "true"
	for i := 0; i < 2; i++ {
		if code, _, stderr := h.run("query", h.path("orders.csv"), "q"); code != 0 {
			t.Fatalf("run %d exit code = %d, stderr=%s", i, code, stderr)
		}
	}
	entries, err := os.ReadDir(h.env["DUCKASK_CACHE_DIR"])
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	parquetFiles := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".parquet") {
			parquetFiles++
		}
	}
	if parquetFiles != 1 {
		t.Fatalf("cache entries = %d, want 1", parquetFiles)
	}
}
