package duckask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"

	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/schema"
	"github.com/duckask/duckask/internal/session"
)

const chatPrompt = "duckask> "

// LineReader is the chat prompt. ReadLine returns readline.ErrInterrupt on
// Ctrl-C and io.EOF on Ctrl-D.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

func newReadline(prompt, historyFile string) (LineReader, error) {
	return readline.NewFromConfig(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
}

func (a *app) chatCommand() *cobra.Command {
	var analyze bool
	cmd := &cobra.Command{
		Use:   "chat LOCATION...",
		Short: "Ask follow-up questions interactively",
		Args:  args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			loadCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			manager, ds, err := a.openSession(loadCtx, argv, sessionOptions{
				interactive: true,
				analyze:     analyze,
				observer:    func(tr nl2sql.Transition) { a.render.Transition(a.stderr, tr) },
			})
			stop()
			if err != nil {
				return err
			}
			defer func() { _ = ds.Close() }()

			historyFile := ""
			if a.cfg.Cache.Dir != "" {
				if err := os.MkdirAll(a.cfg.Cache.Dir, 0o755); err == nil {
					historyFile = filepath.Join(a.cfg.Cache.Dir, "chat_history")
				}
			}
			reader, err := a.opts.NewLineReader(chatPrompt, historyFile)
			if err != nil {
				return fmt.Errorf("open prompt: %w", err)
			}
			defer func() { _ = reader.Close() }()

			return a.chat(cmd.Context(), manager, reader)
		},
	}
	cmd.Flags().BoolVar(&analyze, "analyze", false, "explain every result in prose")
	return cmd
}

func (a *app) chat(ctx context.Context, manager *session.Manager, reader LineReader) error {
	tables := manager.Schema().TableNames()
	_, _ = fmt.Fprintf(a.stdout, "Loaded %d %s: %s\nAsk a question, or type .help for commands.\n",
		len(tables), plural(len(tables), "table", "tables"), strings.Join(tables, ", "))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadLine()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			if a.dotCommand(manager, line) {
				return nil
			}
			continue
		}

		roundCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		round, err := manager.Ask(roundCtx, line)
		stop()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				_, _ = fmt.Fprintln(a.stdout, "cancelled")
				continue
			}
			_, _ = fmt.Fprintf(a.stderr, "error: %v\n", err)
			continue
		}
		a.render.Round(round)
		_, _ = fmt.Fprintln(a.stdout)
	}
}

// dotCommand runs a REPL command and reports whether the session should end.
func (a *app) dotCommand(manager *session.Manager, line string) bool {
	fields := strings.Fields(line)
	name, rest := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case ".exit", ".quit":
		return true
	case ".help":
		_, _ = fmt.Fprint(a.stdout, chatHelp)
	case ".schema":
		desc := manager.Schema()
		if len(rest) == 0 {
			a.render.Schema(desc)
			break
		}
		table, ok := desc.Table(rest[0])
		if !ok {
			_, _ = fmt.Fprintf(a.stderr, "unknown table %s (tables: %s)\n", rest[0], strings.Join(desc.TableNames(), ", "))
			break
		}
		a.render.Schema(tableSchema(desc, table))
	case ".history":
		turns := manager.Transcript()
		if len(turns) == 0 {
			_, _ = fmt.Fprintln(a.stdout, "no questions yet")
		}
		for i, turn := range turns {
			_, _ = fmt.Fprintf(a.stdout, "%d. %s\n", i+1, turn.Question)
			if turn.Failed() {
				_, _ = fmt.Fprintf(a.stdout, "   failed: %s\n", turn.Failure)
				continue
			}
			_, _ = fmt.Fprintf(a.stdout, "   %s\n   %s\n", strings.ReplaceAll(turn.SQL, "\n", "\n   "), turn.Summary)
		}
	case ".sql":
		if sql, ok := manager.LastSQL(); ok {
			_, _ = fmt.Fprintln(a.stdout, sql)
		} else {
			_, _ = fmt.Fprintln(a.stdout, "no SQL yet")
		}
	case ".copy":
		sql, ok := manager.LastSQL()
		if !ok {
			_, _ = fmt.Fprintln(a.stdout, "no SQL yet")
			break
		}
		if err := a.opts.Clipboard(sql); err != nil {
			_, _ = fmt.Fprintf(a.stderr, "copy failed: %v\n", err)
			break
		}
		_, _ = fmt.Fprintln(a.stdout, "copied the last SQL to the clipboard")
	case ".analyze":
		enabled := !manager.Analyze()
		if len(rest) > 0 {
			switch strings.ToLower(rest[0]) {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				_, _ = fmt.Fprintln(a.stderr, "usage: .analyze [on|off]")
				return false
			}
		}
		manager.SetAnalyze(enabled)
		state := "off"
		if enabled {
			state = "on"
		}
		_, _ = fmt.Fprintf(a.stdout, "analysis %s\n", state)
	default:
		_, _ = fmt.Fprintf(a.stderr, "unknown command %s (try .help)\n", name)
	}
	return false
}

// tableSchema narrows desc to one table and the relationships touching it.
func tableSchema(desc schema.Description, table schema.Table) schema.Description {
	narrowed := schema.Description{Tables: []schema.Table{table}}
	for _, rel := range desc.Relationships {
		if rel.From.Table == table.Name || rel.To.Table == table.Name {
			narrowed.Relationships = append(narrowed.Relationships, rel)
		}
	}
	return narrowed
}

const chatHelp = `Commands:
  .help              show this help
  .schema [table]    show tables, columns and inferred relationships
  .history           list the questions asked so far
  .sql               print the SQL of the last answer
  .copy              copy the SQL of the last answer to the clipboard
  .analyze [on|off]  toggle prose analysis of results
  .exit              leave (Ctrl-D also works)
Ctrl-C cancels a running question.
`
