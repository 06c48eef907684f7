package nl2sql

import (
	"fmt"
	"strings"

	"github.com/duckask/duckask/internal/schema"
)

const dialect = "DuckDB"

// PriorTurn is the part of an earlier round that later prompts may see.
type PriorTurn struct {
	Question string
	SQL      string
	Summary  string
	Analysis string
	Failure  string
}

type PromptInput struct {
	Schema          schema.Description
	Question        string
	History         []PriorTurn
	IncludeAnalysis bool
}

// BuildPrompt renders the synthesis prompt. Equal inputs give byte-identical
// output.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You translate questions about tabular data into %s SQL.\n\n", dialect)
	b.WriteString("Rules:\n")
	b.WriteString("- Answer with exactly one read-only statement (SELECT, WITH, FROM, VALUES, DESCRIBE, SUMMARIZE or SHOW) in a single ```sql fenced block.\n")
	b.WriteString("- Never modify data or the database: no INSERT, UPDATE, DELETE, CREATE, DROP, ALTER, COPY, ATTACH, INSTALL, LOAD, PRAGMA or SET.\n")
	b.WriteString("- Use table and column names exactly as written in the schema. Double-quote names that contain spaces, upper-case letters or reserved words.\n")
	fmt.Fprintf(&b, "- Use the %s dialect and only the tables listed below. Do not read files or URLs.\n", dialect)
	b.WriteString("- Inferred relationships are guesses from column names; join on them only when the question needs it.\n")
	b.WriteString("- Follow-up questions may refer to earlier turns of the conversation.\n")

	b.WriteString("\n## Schema\n")
	for _, table := range in.Schema.Tables {
		fmt.Fprintf(&b, "\n### %s\n", table.Name)
		for _, column := range table.Columns {
			fmt.Fprintf(&b, "- %s %s", column.Name, column.Type)
			if !column.Nullable {
				b.WriteString(" NOT NULL")
			}
			if len(column.Samples) > 0 {
				fmt.Fprintf(&b, " e.g. %s", strings.Join(quoteSamples(column.Samples), ", "))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Inferred relationships (heuristic, not enforced)\n")
	if len(in.Schema.Relationships) == 0 {
		b.WriteString("- none\n")
	}
	for _, rel := range in.Schema.Relationships {
		fmt.Fprintf(&b, "- %s <-> %s (confidence %.2f: %s)\n", rel.From, rel.To, rel.Confidence, rel.Reason)
	}

	if len(in.History) > 0 {
		b.WriteString("\n## Conversation so far\n")
		for i, turn := range in.History {
			fmt.Fprintf(&b, "\n### Turn %d\n", i+1)
			fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(turn.Question))
			if turn.Failure != "" {
				fmt.Fprintf(&b, "Failed: %s\n", strings.TrimSpace(turn.Failure))
				continue
			}
			fmt.Fprintf(&b, "SQL:\n```sql\n%s\n```\n", strings.TrimSpace(turn.SQL))
			if turn.Summary != "" {
				fmt.Fprintf(&b, "Result: %s\n", strings.TrimSpace(turn.Summary))
			}
			if in.IncludeAnalysis && strings.TrimSpace(turn.Analysis) != "" {
				fmt.Fprintf(&b, "Analysis: %s\n", strings.TrimSpace(turn.Analysis))
			}
		}
	}

	b.WriteString("\n## Question\n")
	b.WriteString(strings.TrimSpace(in.Question))
	b.WriteString("\n")
	return b.String()
}

// CorrectionPrompt appends the failed attempts of the current round to base so
// the model can avoid repeating them.
func CorrectionPrompt(base string, failures []Attempt) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n## Previous attempts\n")
	b.WriteString("Your earlier answers to this question were rejected. Fix the problem and answer again with one ```sql block.\n")
	for _, attempt := range failures {
		if attempt.Failure == nil {
			continue
		}
		fmt.Fprintf(&b, "\n### Attempt %d\n", attempt.Number)
		if strings.TrimSpace(attempt.SQL) != "" {
			fmt.Fprintf(&b, "```sql\n%s\n```\n", strings.TrimSpace(attempt.SQL))
		}
		fmt.Fprintf(&b, "Problem (%s): %s\n", attempt.Failure.Kind, attempt.Failure.Message)
		if attempt.Failure.Hint != "" {
			fmt.Fprintf(&b, "%s\n", attempt.Failure.Hint)
		}
	}
	return b.String()
}

func quoteSamples(samples []string) []string {
	out := make([]string, len(samples))
	for i, sample := range samples {
		out[i] = "'" + strings.ReplaceAll(sample, "'", "''") + "'"
	}
	return out
}
