package sqlguard

// reservedWords are never identifiers when unquoted and undotted.
var reservedWords = setOf(
	"select", "from", "where", "group", "by", "having", "order", "limit", "offset",
	"qualify", "window", "with", "recursive", "as", "on", "using", "join", "inner",
	"left", "right", "full", "outer", "cross", "natural", "semi", "anti", "asof",
	"positional", "lateral", "union", "all", "intersect", "except", "distinct",
	"and", "or", "not", "in", "is", "null", "true", "false", "like", "ilike", "glob",
	"similar", "between", "case", "when", "then", "else", "end", "exists", "any",
	"some", "cast", "try_cast", "interval", "asc", "desc", "nulls", "first", "last",
	"over", "partition", "rows", "groups", "preceding", "following", "unbounded",
	"current", "row", "filter", "within", "values", "escape", "collate", "exclude",
	"rename", "pivot", "unpivot", "into", "for", "to", "describe", "summarize",
	"show", "tables", "tablesample", "sample", "percent", "materialized", "lambda",
	"default", "array", "only", "ties", "fetch", "next", "grouping", "sets", "cube",
	"rollup", "at", "time", "zone", "by_name", "extract", "struct", "map", "ordinality",
	"both", "leading", "trailing", "overlay", "position", "substring", "trim",
	"bernoulli", "reservoir", "system",
	// mutating keywords are rejected earlier; keep them out of identifier checks.
	"insert", "update", "delete", "drop", "alter", "create", "replace", "truncate",
	"merge", "copy", "attach", "detach", "install", "load", "pragma", "set", "call",
	"export", "import", "vacuum", "checkpoint", "grant", "revoke",
)

// softWords are type names, date parts and niladic functions. They act as
// functions when followed by "(" and are otherwise never checked as columns.
var softWords = setOf(
	"boolean", "bool", "tinyint", "smallint", "integer", "int", "bigint", "hugeint",
	"utinyint", "usmallint", "uinteger", "ubigint", "uhugeint", "int1", "int2",
	"int4", "int8", "float", "float4", "float8", "real", "double", "precision",
	"decimal", "numeric", "varchar", "char", "text", "string", "blob", "bytea",
	"date", "timestamp", "timestamptz", "uuid", "json", "bit", "varint", "enum",
	"year", "years", "month", "months", "day", "days", "hour", "hours", "minute",
	"minutes", "second", "seconds", "millisecond", "milliseconds", "microsecond",
	"microseconds", "week", "weeks", "quarter", "quarters", "decade", "decades",
	"century", "centuries", "millennium", "dow", "doy", "isodow", "isoyear",
	"epoch", "yearweek", "dayofweek", "dayofyear", "dayofmonth", "timezone", "era",
	"current_date", "current_time", "current_timestamp", "localtime",
	"localtimestamp", "current_schema", "current_database",
)

// valueEnders close an expression, so an identifier right after one is an alias.
var valueEnders = setOf(
	"end", "null", "true", "false", "current_date", "current_time",
	"current_timestamp", "localtime", "localtimestamp",
)

// clauseEnders close a FROM clause at the current nesting level.
var clauseEnders = setOf(
	"where", "group", "having", "order", "limit", "offset", "qualify", "window",
	"union", "intersect", "except", "select", "returning",
)

// safeTableFunctions generate rows without touching files or the network.
var safeTableFunctions = setOf("range", "generate_series", "unnest")

func setOf(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, word := range words {
		out[word] = true
	}
	return out
}
