// Package sqlguard decides whether a generated statement may run: it must be a
// single read-only statement and it must only name tables and columns that
// exist in the loaded dataset. It does not parse SQL; it tokenizes it, which
// is enough to see keywords and identifiers outside literals and comments.
package sqlguard

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindEmpty              Kind = "empty"
	KindSyntax             Kind = "syntax"
	KindMultipleStatements Kind = "multiple_statements"
	KindNotReadOnly        Kind = "not_read_only"
	KindUnknownTable       Kind = "unknown_table"
	KindUnknownColumn      Kind = "unknown_column"
)

// Violation explains why a statement was rejected.
type Violation struct {
	Kind   Kind
	Names  []string
	Detail string
}

func (v *Violation) Error() string {
	if v == nil {
		return ""
	}
	if v.Detail != "" {
		return v.Detail
	}
	switch v.Kind {
	case KindUnknownTable:
		return "unknown table: " + strings.Join(v.Names, ", ")
	case KindUnknownColumn:
		return "unknown column: " + strings.Join(v.Names, ", ")
	default:
		return fmt.Sprintf("rejected statement (%s)", v.Kind)
	}
}

// FirstKeyword returns the lower-cased first word of sql, skipping comments
// and opening parentheses. It returns "" when there is none.
func FirstKeyword(sql string) string {
	toks, err := tokenize(sql)
	if err != nil {
		return ""
	}
	for _, tok := range toks {
		if tok.isPunct("(") {
			continue
		}
		if tok.kind == tokWord {
			return tok.value
		}
		return ""
	}
	return ""
}

// StripTrailingSemicolons removes trailing semicolons, comments and
// whitespace, leaving the statement ending at its last token.
func StripTrailingSemicolons(sql string) string {
	toks, err := tokenize(sql)
	if err != nil {
		trimmed := strings.TrimSpace(sql)
		for strings.HasSuffix(trimmed, ";") {
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
		}
		return trimmed
	}
	toks = trimSemicolons(toks)
	if len(toks) == 0 {
		return ""
	}
	last := toks[len(toks)-1]
	return strings.TrimSpace(sql[:last.pos+len(last.text)])
}

func trimSemicolons(toks []token) []token {
	for len(toks) > 0 && toks[len(toks)-1].kind == tokSemicolon {
		toks = toks[:len(toks)-1]
	}
	return toks
}
