package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query"
)

const maxCellWidth = 80

// Analysis is the prose explanation of a result. When the model call fails
// Available is false and Note says why.
type Analysis struct {
	Text      string
	Available bool
	Note      string
}

type Analyzer struct {
	model  Model
	logger *slog.Logger
}

func NewAnalyzer(model Model, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Analyzer{model: model, logger: logger}
}

// Analyze asks the model to explain result in terms of question. It never
// returns an error; a failed call degrades to an unavailable Analysis.
func (a *Analyzer) Analyze(ctx context.Context, question, sqlText string, result query.Result) Analysis {
	prompt := AnalysisPrompt(question, sqlText, result)
	observability.ObservePromptTokens(CountTokens(prompt))

	start := time.Now()
	text, err := a.model.Complete(ctx, prompt)
	observability.ObserveModelLatency("analyze", time.Since(start))
	if err != nil {
		a.logger.Warn("analysis failed", append(observability.RoundAttrs(ctx), slog.String("error", err.Error()))...)
		return Analysis{Note: "analysis unavailable: " + err.Error()}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Analysis{Note: "analysis unavailable: empty model response"}
	}
	return Analysis{Text: text, Available: true}
}

// AnalysisPrompt states the question, the executed SQL and the rows that were
// returned. A truncated result is called out so the model does not treat the
// visible rows as the whole answer.
func AnalysisPrompt(question, sqlText string, result query.Result) string {
	var b strings.Builder
	b.WriteString("Explain what the following query result means for the question. Be concise, mention notable values or patterns and do not invent rows that are not shown.\n")
	fmt.Fprintf(&b, "\n## Question\n%s\n", strings.TrimSpace(question))
	fmt.Fprintf(&b, "\n## SQL\n```sql\n%s\n```\n", strings.TrimSpace(sqlText))
	fmt.Fprintf(&b, "\n## Result (%d %s)\n", len(result.Rows), plural(len(result.Rows), "row", "rows"))
	if len(result.Rows) == 0 {
		b.WriteString("The query returned no rows.\n")
	} else {
		b.WriteString(PipeTable(result))
	}
	if result.Truncated {
		fmt.Fprintf(&b, "\nThe result was truncated: only the first %d rows are shown and more rows exist. Do not present totals or counts over the shown rows as complete.\n", len(result.Rows))
	}
	return b.String()
}

// PipeTable renders result as a Markdown pipe table.
func PipeTable(result query.Result) string {
	var b strings.Builder
	b.WriteString("|")
	for _, column := range result.Columns {
		fmt.Fprintf(&b, " %s |", escapeCell(column))
	}
	b.WriteString("\n|")
	for range result.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range result.Rows {
		b.WriteString("|")
		for _, value := range row {
			fmt.Fprintf(&b, " %s |", escapeCell(FormatValue(value)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SummarizeResult is the one-line description of a result kept in the
// conversation transcript.
func SummarizeResult(result query.Result) string {
	n := len(result.Rows)
	var b strings.Builder
	if result.Truncated {
		fmt.Fprintf(&b, "first %d rows of a larger result", n)
	} else {
		fmt.Fprintf(&b, "%d %s", n, plural(n, "row", "rows"))
	}
	if len(result.Columns) > 0 {
		fmt.Fprintf(&b, " with columns %s", strings.Join(result.Columns, ", "))
	}
	if n > 0 {
		pairs := make([]string, 0, len(result.Columns))
		for i, column := range result.Columns {
			if i < len(result.Rows[0]) {
				pairs = append(pairs, column+"="+truncateCell(FormatValue(result.Rows[0][i])))
			}
		}
		fmt.Fprintf(&b, "; first row: %s", strings.Join(pairs, ", "))
	}
	return b.String()
}

// FormatValue renders a scanned value for display. NULL is spelled out.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format(time.DateOnly)
		}
		return v.Format(time.RFC3339)
	case float64:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
	case float32:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
	default:
		return fmt.Sprint(v)
	}
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "|", `\|`)
	return truncateCell(value)
}

func truncateCell(value string) string {
	runes := []rune(value)
	if len(runes) <= maxCellWidth {
		return value
	}
	return string(runes[:maxCellWidth-3]) + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
