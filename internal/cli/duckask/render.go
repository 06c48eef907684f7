package duckask

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/schema"
	"github.com/duckask/duckask/internal/session"
)

// renderer prints rounds and schemas. Styled output uses lipgloss and glamour;
// plain output is Markdown-ish text suitable for pipes.
type renderer struct {
	out    io.Writer
	styled bool

	label   lipgloss.Style
	code    lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
	muted   lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

func newRenderer(out io.Writer, styled bool) *renderer {
	r := lipgloss.NewRenderer(out)
	return &renderer{
		out:     out,
		styled:  styled,
		label:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		code:    r.NewStyle().Foreground(lipgloss.Color("10")),
		header:  r.NewStyle().Bold(true).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		border:  r.NewStyle().Foreground(lipgloss.Color("8")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1),
	}
}

func (r *renderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *renderer) Round(round session.Round) {
	if round.Failure != nil {
		r.Failure(round.Failure)
		return
	}
	r.printf("%s\n%s\n\n", r.style(r.label, "SQL"), r.style(r.code, round.SQL))
	r.Result(round.Result)
	if round.Analysis != nil {
		r.Analysis(*round.Analysis)
	}
}

func (r *renderer) Result(result query.Result) {
	if len(result.Columns) == 0 {
		r.printf("%s\n", r.style(r.muted, "(no columns)"))
		return
	}
	if r.styled {
		rows := make([][]string, 0, len(result.Rows))
		for _, row := range result.Rows {
			cells := make([]string, len(row))
			for i, value := range row {
				cells[i] = nl2sql.FormatValue(value)
			}
			rows = append(rows, cells)
		}
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(r.border).
			Headers(result.Columns...).
			Rows(rows...).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return r.header
				}
				return r.cell
			})
		r.printf("%s\n", t.String())
	} else {
		r.printf("%s", nl2sql.PipeTable(result))
	}

	footer := fmt.Sprintf("%d %s", len(result.Rows), plural(len(result.Rows), "row", "rows"))
	if result.Truncated {
		footer = fmt.Sprintf("first %d rows shown; the result has more (raise --max-rows to see them)", len(result.Rows))
	}
	if result.Duration > 0 {
		footer += fmt.Sprintf(" in %s", result.Duration.Round(time.Millisecond))
	}
	r.printf("%s\n", r.style(r.muted, footer))
}

func (r *renderer) Analysis(analysis nl2sql.Analysis) {
	if !analysis.Available {
		r.printf("\n%s\n", r.style(r.warning, analysis.Note))
		return
	}
	text := analysis.Text
	if r.styled {
		if rendered, err := glamour.Render(text, "dark"); err == nil {
			text = strings.TrimRight(rendered, "\n")
		}
	}
	r.printf("\n%s\n%s\n", r.style(r.label, "Analysis"), text)
}

func (r *renderer) Failure(failed *nl2sql.SynthesisFailed) {
	var b strings.Builder
	fmt.Fprintf(&b, "Could not answer after %d %s: %s", len(failed.Attempts), plural(len(failed.Attempts), "attempt", "attempts"), failed.Reason)
	if failed.LastSQL != "" {
		fmt.Fprintf(&b, "\nLast SQL tried:\n%s", failed.LastSQL)
	}
	if r.styled {
		r.printf("%s\n", r.failure.Render(b.String()))
		return
	}
	r.printf("%s\n", b.String())
}

func (r *renderer) Schema(desc schema.Description) {
	for i, tbl := range desc.Tables {
		if i > 0 {
			r.printf("\n")
		}
		r.printf("%s\n", r.style(r.label, tbl.Name))
		for _, column := range tbl.Columns {
			line := fmt.Sprintf("  %s %s", column.Name, column.Type)
			if !column.Nullable {
				line += " NOT NULL"
			}
			if len(column.Samples) > 0 {
				line += r.style(r.muted, "  e.g. "+strings.Join(column.Samples, ", "))
			}
			r.printf("%s\n", line)
		}
	}
	r.printf("\n%s\n", r.style(r.label, "Inferred relationships (heuristic)"))
	if len(desc.Relationships) == 0 {
		r.printf("  none\n")
	}
	for _, rel := range desc.Relationships {
		r.printf("  %s <-> %s  %.2f  %s\n", rel.From, rel.To, rel.Confidence, r.style(r.muted, rel.Reason))
	}
}

// Transition reports rejected drafts while a chat round is running.
func (r *renderer) Transition(w io.Writer, tr nl2sql.Transition) {
	if tr.To != nl2sql.StateRetrying || tr.Failure == nil {
		return
	}
	line := fmt.Sprintf("attempt %d rejected (%s): %s", tr.Attempt, tr.Failure.Kind, tr.Failure.Message)
	_, _ = fmt.Fprintln(w, r.style(r.muted, line))
}
