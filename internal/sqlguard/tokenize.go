package sqlguard

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokWord tokKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokPunct
	tokSemicolon
)

type token struct {
	kind tokKind
	text string
	// value is lower-cased for identifiers and unescaped for literals.
	value string
	pos   int
}

func (t token) isPunct(text string) bool {
	return t.kind == tokPunct && t.text == text
}

func (t token) isWord(value string) bool {
	return t.kind == tokWord && t.value == value
}

func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuotedIdent
}

// tokenize splits sql into tokens, dropping whitespace and comments.
func tokenize(sql string) ([]token, error) {
	var toks []token
	n := len(sql)
	i := 0
	for i < n {
		c := sql[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += end + 4
		case c == '\'':
			value, next, ok := scanQuoted(sql, i, '\'')
			if !ok {
				return nil, fmt.Errorf("unterminated string literal at offset %d", i)
			}
			toks = append(toks, token{kind: tokString, text: sql[i:next], value: value, pos: i})
			i = next
		case c == '"':
			value, next, ok := scanQuoted(sql, i, '"')
			if !ok {
				return nil, fmt.Errorf("unterminated quoted identifier at offset %d", i)
			}
			toks = append(toks, token{kind: tokQuotedIdent, text: sql[i:next], value: strings.ToLower(value), pos: i})
			i = next
		case c == '$':
			if tag, ok := dollarTag(sql, i); ok {
				bodyStart := i + len(tag)
				end := strings.Index(sql[bodyStart:], tag)
				if end < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", i)
				}
				bodyEnd := bodyStart + end
				toks = append(toks, token{kind: tokString, text: sql[i : bodyEnd+len(tag)], value: sql[bodyStart:bodyEnd], pos: i})
				i = bodyEnd + len(tag)
				continue
			}
			j := i + 1
			for j < n && isWordChar(sql[j]) {
				j++
			}
			toks = append(toks, token{kind: tokParam, text: sql[i:j], value: sql[i:j], pos: i})
			i = j
		case isDigit(c):
			j := scanNumber(sql, i)
			toks = append(toks, token{kind: tokNumber, text: sql[i:j], value: sql[i:j], pos: i})
			i = j
		case isWordStart(c):
			j := i + 1
			for j < n && isWordChar(sql[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: sql[i:j], value: strings.ToLower(sql[i:j]), pos: i})
			i = j
		case c == ';':
			toks = append(toks, token{kind: tokSemicolon, text: ";", value: ";", pos: i})
			i++
		default:
			width := 1
			if i+1 < n {
				switch sql[i : i+2] {
				case "::", "->", "<=", ">=", "<>", "!=", "||", "=>":
					width = 2
				}
			}
			toks = append(toks, token{kind: tokPunct, text: sql[i : i+width], value: sql[i : i+width], pos: i})
			i += width
		}
	}
	return toks, nil
}

// scanQuoted reads a literal opened by quote at start; a doubled quote escapes it.
func scanQuoted(sql string, start int, quote byte) (string, int, bool) {
	var b strings.Builder
	j := start + 1
	for j < len(sql) {
		if sql[j] == quote {
			if j+1 < len(sql) && sql[j+1] == quote {
				b.WriteByte(quote)
				j += 2
				continue
			}
			return b.String(), j + 1, true
		}
		b.WriteByte(sql[j])
		j++
	}
	return "", 0, false
}

// dollarTag reports the $tag$ opening a dollar-quoted string at start.
func dollarTag(sql string, start int) (string, bool) {
	j := start + 1
	if j < len(sql) && isDigit(sql[j]) {
		return "", false
	}
	for j < len(sql) && (isWordStart(sql[j]) || isDigit(sql[j])) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[start : j+1], true
	}
	return "", false
}

func scanNumber(sql string, start int) int {
	j := start
	for j < len(sql) && (isDigit(sql[j]) || sql[j] == '.' || sql[j] == '_') {
		j++
	}
	if j < len(sql) && (sql[j] == 'e' || sql[j] == 'E') {
		k := j + 1
		if k < len(sql) && (sql[k] == '+' || sql[k] == '-') {
			k++
		}
		if k < len(sql) && isDigit(sql[k]) {
			for k < len(sql) && isDigit(sql[k]) {
				k++
			}
			j = k
		}
	}
	return j
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordChar(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
