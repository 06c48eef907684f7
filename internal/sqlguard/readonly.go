package sqlguard

import (
	"fmt"
	"strings"
)

var readOnlyStarts = map[string]bool{
	"select":    true,
	"with":      true,
	"from":      true,
	"values":    true,
	"describe":  true,
	"summarize": true,
	"show":      true,
}

var mutatingKeywords = map[string]bool{
	"insert":     true,
	"update":     true,
	"delete":     true,
	"drop":       true,
	"alter":      true,
	"create":     true,
	"replace":    true,
	"truncate":   true,
	"merge":      true,
	"copy":       true,
	"attach":     true,
	"detach":     true,
	"install":    true,
	"load":       true,
	"pragma":     true,
	"set":        true,
	"call":       true,
	"export":     true,
	"import":     true,
	"vacuum":     true,
	"checkpoint": true,
	"grant":      true,
	"revoke":     true,
}

// CheckReadOnly accepts exactly one statement that starts with a read-only
// keyword and contains no mutating keyword outside literals and comments.
// A trailing semicolon is allowed.
func CheckReadOnly(sql string) error {
	toks, err := tokenize(sql)
	if err != nil {
		return &Violation{Kind: KindSyntax, Detail: err.Error()}
	}
	toks = trimSemicolons(toks)
	if len(toks) == 0 {
		return &Violation{Kind: KindEmpty, Detail: "statement is empty"}
	}
	for _, tok := range toks {
		if tok.kind == tokSemicolon {
			return &Violation{Kind: KindMultipleStatements, Detail: "only a single statement is allowed"}
		}
	}

	first := toks[0]
	if !first.isPunct("(") && !(first.kind == tokWord && readOnlyStarts[first.value]) {
		return &Violation{
			Kind:   KindNotReadOnly,
			Names:  []string{first.text},
			Detail: fmt.Sprintf("statement must start with SELECT, WITH, FROM, VALUES, DESCRIBE, SUMMARIZE or SHOW, not %q", first.text),
		}
	}

	for i, tok := range toks {
		if tok.kind != tokWord || !mutatingKeywords[tok.value] {
			continue
		}
		// t.load is a column, not the LOAD statement.
		if i > 0 && toks[i-1].isPunct(".") {
			continue
		}
		// replace(s, a, b) and SELECT * REPLACE (...) are expressions.
		if tok.value == "replace" && i+1 < len(toks) && toks[i+1].isPunct("(") {
			continue
		}
		keyword := strings.ToUpper(tok.value)
		return &Violation{
			Kind:   KindNotReadOnly,
			Names:  []string{keyword},
			Detail: fmt.Sprintf("%s is not allowed in a read-only query", keyword),
		}
	}
	return nil
}
