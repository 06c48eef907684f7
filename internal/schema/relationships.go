package schema

import (
	"fmt"
	"sort"
	"strings"
)

var genericNames = map[string]bool{
	"id":   true,
	"key":  true,
	"code": true,
	"name": true,
}

// InferRelationships guesses join columns between distinct tables from their
// names and types. Each pair is reported once, smaller table name first,
// ordered by (from table, from column, to table, to column).
func InferRelationships(tables []Table, minConfidence float64) []Relationship {
	ordered := append([]Table(nil), tables...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var out []Relationship
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			left, right := ordered[i], ordered[j]
			if strings.EqualFold(left.Name, right.Name) {
				continue
			}
			for _, a := range left.Columns {
				for _, b := range right.Columns {
					if !typesCompatible(a.Type, b.Type) {
						continue
					}
					confidence, kind := nameScore(left.Name, a.Name, right.Name, b.Name)
					if confidence == 0 || confidence < minConfidence {
						continue
					}
					from := ColumnRef{Table: left.Name, Column: a.Name}
					to := ColumnRef{Table: right.Name, Column: b.Name}
					out = append(out, Relationship{
						From:       from,
						To:         to,
						Confidence: confidence,
						Reason:     fmt.Sprintf("%s and %s have %s", from, to, kind),
					})
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.From.Table != b.From.Table {
			return a.From.Table < b.From.Table
		}
		if a.From.Column != b.From.Column {
			return a.From.Column < b.From.Column
		}
		if a.To.Table != b.To.Table {
			return a.To.Table < b.To.Table
		}
		return a.To.Column < b.To.Column
	})
	return out
}

func nameScore(tableA, a, tableB, b string) (float64, string) {
	lowerA, lowerB := strings.ToLower(a), strings.ToLower(b)
	normA, normB := normalize(a), normalize(b)

	if normA == normB && (genericNames[normA] || genericNames[lowerA]) {
		return 0.3, "the same generic name"
	}
	if lowerA == lowerB {
		return 1.0, "identical names"
	}
	if normA == normB {
		return 0.9, "names that match after normalisation"
	}
	if singularNorm(a) == singularNorm(b) {
		return 0.75, "singular/plural variants of one name"
	}
	if normA == singularNorm(tableB)+normB || normB == singularNorm(tableA)+normA {
		return 0.6, "a name prefixed with the other table"
	}
	return 0, ""
}

func normalize(name string) string {
	return strings.Join(splitName(name), "")
}

// singularNorm normalises name and singularises each word of it.
func singularNorm(name string) string {
	parts := splitName(name)
	for i, part := range parts {
		parts[i] = singular(part)
	}
	return strings.Join(parts, "")
}

func splitName(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
}

func singular(word string) string {
	switch {
	case len(word) > 3 && strings.HasSuffix(word, "ies"):
		return word[:len(word)-3] + "y"
	case len(word) > 4 && (strings.HasSuffix(word, "ches") || strings.HasSuffix(word, "shes")):
		return word[:len(word)-2]
	case len(word) > 3 && (strings.HasSuffix(word, "ses") || strings.HasSuffix(word, "xes") || strings.HasSuffix(word, "zes")):
		return word[:len(word)-2]
	case strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "us"), strings.HasSuffix(word, "is"):
		return word
	case len(word) > 1 && strings.HasSuffix(word, "s"):
		return word[:len(word)-1]
	default:
		return word
	}
}

type typeFamily int

const (
	familyOther typeFamily = iota
	familyNumeric
	familyText
	familyTemporal
)

func typesCompatible(a, b string) bool {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a == b {
		return true
	}
	fa, fb := family(a), family(b)
	return fa != familyOther && fa == fb
}

func family(dataType string) typeFamily {
	base := dataType
	if idx := strings.IndexAny(base, "( "); idx >= 0 {
		base = base[:idx]
	}
	switch base {
	case "TINYINT", "SMALLINT", "INTEGER", "INT", "BIGINT", "HUGEINT", "UTINYINT",
		"USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT", "FLOAT", "REAL", "DOUBLE",
		"DECIMAL", "NUMERIC", "INT1", "INT2", "INT4", "INT8", "FLOAT4", "FLOAT8":
		return familyNumeric
	case "VARCHAR", "CHAR", "TEXT", "STRING", "BPCHAR", "UUID":
		return familyText
	case "DATE", "TIME", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS", "TIMETZ":
		return familyTemporal
	default:
		return familyOther
	}
}
