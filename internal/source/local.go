package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

type Kind string

const (
	KindCSV      Kind = "csv"
	KindTSV      Kind = "tsv"
	KindJSON     Kind = "json"
	KindParquet  Kind = "parquet"
	KindDuckDB   Kind = "duckdb"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

var extensions = map[string]Kind{
	".csv":     KindCSV,
	".tsv":     KindTSV,
	".json":    KindJSON,
	".jsonl":   KindJSON,
	".ndjson":  KindJSON,
	".parquet": KindParquet,
	".duckdb":  KindDuckDB,
	".sqlite":  KindSQLite,
	".sqlite3": KindSQLite,
	".db":      KindSQLite,
}

func kindOf(path string) (Kind, bool) {
	kind, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return kind, ok
}

// Supported reports whether path has an extension Load understands.
func Supported(path string) bool {
	_, ok := kindOf(path)
	return ok
}

// expandLocal resolves a file or directory to absolute file paths. A
// directory contributes its supported files, sorted, without recursion.
func expandLocal(location string) ([]string, error) {
	if location == "" {
		return nil, &LoadError{Location: location, Reason: "empty location"}
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, &LoadError{Location: location, Reason: "resolve path", Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &LoadError{Location: location, Reason: "stat", Err: err}
	}
	if !info.IsDir() {
		if !Supported(abs) {
			return nil, &LoadError{Location: location, Reason: fmt.Sprintf("unsupported file type %q", filepath.Ext(abs))}
		}
		return []string{abs}, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, &LoadError{Location: location, Reason: "read directory", Err: err}
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !Supported(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(abs, entry.Name()))
	}
	if len(files) == 0 {
		return nil, &LoadError{Location: location, Reason: "directory has no supported files"}
	}
	sort.Strings(files)
	return files, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SanitizeName turns a file stem into an identifier that needs no quoting:
// lower case letters, digits and underscores, not starting with a digit.
func SanitizeName(raw string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		return "data"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

func isPostgresDSN(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}
