package sqlguard

import (
	"sort"
	"strings"
)

// Catalog maps table names to their column names.
type Catalog map[string][]string

type role int

const (
	roleNone role = iota
	roleKeyword
	roleFunction
	roleType
	roleLambda
	roleQualifier
	roleMember
	roleCTE
	roleAlias
	roleTable
	roleSchema
)

// funcLikeWords open an argument list in which FROM is not a clause.
var funcLikeWords = setOf("extract", "substring", "trim", "overlay", "position", "cast", "try_cast", "filter", "over", "within")

const derivedSource = "\x00derived"

type catalogIndex struct {
	tables map[string]map[string]bool
}

func newCatalogIndex(catalog Catalog) catalogIndex {
	idx := catalogIndex{tables: make(map[string]map[string]bool, len(catalog))}
	for table, columns := range catalog {
		set := make(map[string]bool, len(columns))
		for _, column := range columns {
			set[strings.ToLower(column)] = true
		}
		idx.tables[strings.ToLower(table)] = set
	}
	return idx
}

type analysis struct {
	toks  []token
	roles []role
	idx   catalogIndex

	ctes map[string]bool
	// aliases maps alias names to their source table, derivedSource for
	// subqueries and CTEs, or "" for column aliases.
	aliases       map[string]string
	lambdas       map[string]bool
	referenced    map[string]bool
	unknownTables []string
}

// CheckReferences reports table and column names in sql that the catalog does
// not define. Names introduced by the statement itself (aliases, CTEs, lambda
// parameters) are accepted. Matching is case-insensitive. Reading files or
// calling table functions other than range, generate_series and unnest in
// FROM counts as an unknown table.
func CheckReferences(sql string, catalog Catalog) error {
	toks, err := tokenize(sql)
	if err != nil {
		return &Violation{Kind: KindSyntax, Detail: err.Error()}
	}
	a := &analysis{
		toks:       trimSemicolons(toks),
		idx:        newCatalogIndex(catalog),
		ctes:       map[string]bool{},
		aliases:    map[string]string{},
		lambdas:    map[string]bool{},
		referenced: map[string]bool{},
	}
	a.roles = make([]role, len(a.toks))
	a.classify()
	a.resolveSources()

	if len(a.unknownTables) > 0 {
		return &Violation{Kind: KindUnknownTable, Names: dedupe(a.unknownTables)}
	}
	if unknown := a.unknownColumns(); len(unknown) > 0 {
		return &Violation{Kind: KindUnknownColumn, Names: unknown}
	}
	return nil
}

func (a *analysis) punct(i int, text string) bool {
	return i >= 0 && i < len(a.toks) && a.toks[i].isPunct(text)
}

// classify assigns the roles that depend only on neighbouring tokens.
func (a *analysis) classify() {
	toks := a.toks
	for i, tok := range toks {
		if !tok.isIdent() {
			continue
		}
		prevDot := a.punct(i-1, ".")
		nextDot := a.punct(i+1, ".")
		nextParen := a.punct(i+1, "(")
		switch {
		case tok.kind == tokWord && !prevDot && !nextDot && reservedWords[tok.value]:
			a.roles[i] = roleKeyword
		case tok.kind == tokWord && !prevDot && !nextDot && softWords[tok.value] && !nextParen:
			if a.punct(i-1, "::") {
				a.roles[i] = roleType
			} else {
				a.roles[i] = roleKeyword
			}
		case nextParen:
			a.roles[i] = roleFunction
		case a.punct(i-1, "::"):
			a.roles[i] = roleType
		case a.punct(i+1, "->"):
			a.roles[i] = roleLambda
			a.lambdas[tok.value] = true
		case prevDot:
			a.roles[i] = roleMember
		case nextDot:
			a.roles[i] = roleQualifier
		}
	}

	for i, tok := range toks {
		switch {
		case tok.isPunct("->") && a.punct(i-1, ")"):
			// (x, y) -> ...
			if open := a.matchOpen(i - 1); open >= 0 {
				for j := open + 1; j < i-1; j++ {
					if toks[j].isIdent() {
						a.roles[j] = roleLambda
						a.lambdas[toks[j].value] = true
					}
				}
			}
		case tok.isWord("lambda"):
			for j := i + 1; j < len(toks) && !toks[j].isPunct(":"); j++ {
				if toks[j].isIdent() {
					a.roles[j] = roleLambda
					a.lambdas[toks[j].value] = true
				}
			}
		case tok.isWord("as") && a.roles[i] == roleKeyword:
			a.markCTE(i)
		}
	}
}

// markCTE recognises "name [(cols)] AS [NOT] [MATERIALIZED] (" ending at the AS at i.
func (a *analysis) markCTE(asIdx int) {
	next := asIdx + 1
	if next < len(a.toks) && a.toks[next].isWord("not") {
		next++
	}
	if next < len(a.toks) && a.toks[next].isWord("materialized") {
		next++
	}
	if !a.punct(next, "(") {
		return
	}
	nameIdx := asIdx - 1
	if a.punct(nameIdx, ")") {
		open := a.matchOpen(nameIdx)
		if open < 1 {
			return
		}
		for j := open + 1; j < nameIdx; j++ {
			if a.toks[j].isIdent() {
				a.roles[j] = roleAlias
				a.aliases[a.toks[j].value] = ""
			}
		}
		nameIdx = open - 1
	}
	if nameIdx < 0 || !a.toks[nameIdx].isIdent() || a.roles[nameIdx] == roleKeyword {
		return
	}
	a.roles[nameIdx] = roleCTE
	a.ctes[a.toks[nameIdx].value] = true
}

func (a *analysis) matchOpen(closeIdx int) int {
	depth := 0
	for j := closeIdx; j >= 0; j-- {
		switch {
		case a.toks[j].isPunct(")"):
			depth++
		case a.toks[j].isPunct("("):
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func (a *analysis) matchClose(openIdx int) int {
	depth := 0
	for j := openIdx; j < len(a.toks); j++ {
		switch {
		case a.toks[j].isPunct("("):
			depth++
		case a.toks[j].isPunct(")"):
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(a.toks) - 1
}

type frame struct {
	function   bool
	fromClause bool
	derived    bool
}

// resolveSources walks the statement tracking FROM clauses per nesting level
// to find table references and the aliases attached to them.
func (a *analysis) resolveSources() {
	toks := a.toks
	stack := []frame{{}}
	expectTable := false
	sourceFunction := false
	pending := ""

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		top := &stack[len(stack)-1]
		carry := ""

		switch {
		case tok.isPunct("("):
			fn := i > 0 && (a.roles[i-1] == roleFunction || a.roles[i-1] == roleCTE ||
				(toks[i-1].kind == tokWord && funcLikeWords[toks[i-1].value]))
			next := frame{function: fn, derived: sourceFunction}
			sourceFunction = false
			if expectTable && !fn {
				next.derived = true
				expectTable = false
				if i+1 < len(toks) && toks[i+1].isIdent() && a.roles[i+1] != roleKeyword {
					// parenthesised join: (a JOIN b ON ...)
					next.fromClause = true
					expectTable = true
				}
			}
			stack = append(stack, next)
		case tok.isPunct(")"):
			if len(stack) > 1 {
				closed := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if closed.derived {
					carry = derivedSource
				}
			}
			expectTable = false
		case tok.isPunct(","):
			if top.fromClause && !top.function {
				expectTable = true
			}
		case tok.kind == tokWord && a.roles[i] == roleKeyword:
			switch {
			case tok.value == "from":
				if top.function || (i > 0 && toks[i-1].isWord("distinct")) {
					break
				}
				top.fromClause = true
				expectTable = true
			case tok.value == "join":
				top.fromClause = true
				expectTable = true
			case tok.value == "describe" || tok.value == "summarize" || tok.value == "show":
				if i == 0 {
					expectTable = true
				}
			case tok.value == "lateral":
				// keeps expecting a source
			case tok.value == "as":
				carry = pending
			case clauseEnders[tok.value] || tok.value == "on" || tok.value == "using":
				if clauseEnders[tok.value] {
					top.fromClause = false
				}
				expectTable = false
			default:
				if expectTable {
					expectTable = false
				}
			}
		case expectTable && tok.kind == tokString:
			a.unknownTables = append(a.unknownTables, tok.value)
			expectTable = false
		case expectTable && tok.isIdent():
			if a.roles[i] == roleFunction {
				if !safeTableFunctions[tok.value] {
					a.unknownTables = append(a.unknownTables, tok.value+"()")
				}
				expectTable = false
				sourceFunction = true
				break
			}
			// skip schema qualifiers: main.orders
			j := i
			for a.punct(j+1, ".") && j+2 < len(toks) && toks[j+2].isIdent() {
				a.roles[j] = roleSchema
				j += 2
			}
			i = j
			name := toks[j].value
			a.roles[j] = roleTable
			expectTable = false
			switch {
			case a.ctes[name]:
				carry = derivedSource
			case a.idx.tables[name] != nil:
				a.referenced[name] = true
				carry = name
			default:
				a.unknownTables = append(a.unknownTables, toks[j].text)
				carry = derivedSource
			}
		case tok.isIdent() && a.roles[i] == roleFunction && pending != "" && a.isAliasPosition(i):
			// source alias with a column list: AS t(a, b)
			a.roles[i] = roleAlias
			a.aliases[tok.value] = derivedSource
			end := a.matchClose(i + 1)
			for j := i + 2; j < end; j++ {
				if toks[j].isIdent() {
					a.roles[j] = roleAlias
					a.aliases[toks[j].value] = ""
				}
			}
			i = end
		case tok.isIdent() && a.roles[i] == roleNone && a.isAliasPosition(i):
			a.roles[i] = roleAlias
			target := ""
			if pending != "" {
				target = pending
			}
			if existing, ok := a.aliases[tok.value]; !ok || existing == "" {
				a.aliases[tok.value] = target
			}
		}
		pending = carry
	}
}

// isAliasPosition reports whether the identifier at i names the expression or
// source that precedes it.
func (a *analysis) isAliasPosition(i int) bool {
	if i == 0 {
		return false
	}
	prev := a.toks[i-1]
	switch prev.kind {
	case tokNumber, tokString, tokQuotedIdent:
		return true
	case tokPunct:
		return prev.isPunct(")")
	case tokWord:
		if prev.value == "as" || prev.value == "over" || prev.value == "window" {
			return a.roles[i-1] == roleKeyword
		}
		switch a.roles[i-1] {
		case roleKeyword:
			return valueEnders[prev.value]
		case roleNone, roleType, roleMember, roleTable:
			return true
		}
	}
	return false
}

func (a *analysis) unknownColumns() []string {
	columns := map[string]bool{}
	sources := a.referenced
	if len(sources) == 0 {
		sources = map[string]bool{}
		for table := range a.idx.tables {
			sources[table] = true
		}
	}
	for table := range sources {
		for column := range a.idx.tables[table] {
			columns[column] = true
		}
	}

	known := func(name string) bool {
		if columns[name] || a.lambdas[name] || a.ctes[name] {
			return true
		}
		if _, ok := a.aliases[name]; ok {
			return true
		}
		return a.referenced[name]
	}

	var unknown []string
	toks := a.toks
	for i, tok := range toks {
		if !tok.isIdent() {
			continue
		}
		switch a.roles[i] {
		case roleNone:
			if !known(tok.value) {
				unknown = append(unknown, tok.text)
			}
		case roleQualifier:
			// only plain two-part names are checked
			if a.punct(i+3, ".") || (i > 0 && a.punct(i-1, ".")) {
				continue
			}
			if name, ok := a.unknownQualified(i); !ok {
				unknown = append(unknown, name)
			}
		}
	}
	return dedupe(unknown)
}

func (a *analysis) unknownQualified(i int) (string, bool) {
	qualifier := a.toks[i].value
	var member *token
	if i+2 < len(a.toks) && a.toks[i+2].isIdent() {
		member = &a.toks[i+2]
	}

	table := ""
	if target, ok := a.aliases[qualifier]; ok {
		if target == derivedSource {
			return "", true
		}
		table = target
	} else if a.ctes[qualifier] {
		return "", true
	} else if a.idx.tables[qualifier] != nil {
		table = qualifier
	}

	if table == "" {
		// s.field on a struct column
		for source := range a.referenced {
			if a.idx.tables[source][qualifier] {
				return "", true
			}
		}
		if _, ok := a.aliases[qualifier]; ok {
			return "", true
		}
		return a.toks[i].text, false
	}
	if member == nil {
		return "", true
	}
	if a.idx.tables[table][member.value] {
		return "", true
	}
	return a.toks[i].text + "." + member.text, false
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
