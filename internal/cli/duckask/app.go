// Package duckask implements the duckask command line: one-shot questions,
// the interactive chat loop, schema inspection and credential management.
package duckask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
)

type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
	// Lookup reads the environment; defaults to os.LookupEnv.
	Lookup      config.LookupFunc
	OpenKeyring func() (*auth.Store, error)
	NewModel    func(cfg config.AIConfig, apiKey string, logger *slog.Logger) (nl2sql.Model, error)
	// NewLineReader opens the chat prompt; defaults to readline.
	NewLineReader func(prompt, historyFile string) (LineReader, error)
	// Terminal forces styled output on or off; nil detects a TTY on stdout.
	Terminal  *bool
	Clipboard func(text string) error
}

// usageError marks command line mistakes; they exit with status 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitError carries a status for failures that were already reported.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type app struct {
	opts   Options
	stdout io.Writer
	stderr io.Writer

	flags  globalFlags
	cfg    config.Config
	logger *slog.Logger
	render *renderer
}

type globalFlags struct {
	configPath  string
	logLevel    string
	model       string
	maxRows     int
	maxAttempts int
	metricsAddr string
	noCache     bool
}

// Run executes the command line and returns the process exit status: 0 on
// success, 1 on runtime failures and 2 on usage errors.
func Run(ctx context.Context, args []string, opts Options) int {
	a := newApp(opts)
	root := a.rootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		_, _ = fmt.Fprintf(a.stderr, "error: %v\n", err)
		_, _ = fmt.Fprintln(a.stderr, "run 'duckask --help' for usage")
		return 2
	}
	_, _ = fmt.Fprintf(a.stderr, "error: %v\n", observability.Mask(err.Error()))
	return 1
}

func newApp(opts Options) *app {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Stdin == nil {
		opts.Stdin = strings.NewReader("")
	}
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.OpenKeyring == nil {
		opts.OpenKeyring = func() (*auth.Store, error) { return auth.Open(auth.ServiceName) }
	}
	if opts.NewModel == nil {
		opts.NewModel = newOpenAIModel
	}
	if opts.NewLineReader == nil {
		opts.NewLineReader = newReadline
	}
	if opts.Clipboard == nil {
		opts.Clipboard = clipboard.WriteAll
	}
	return &app{
		opts:   opts,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		logger: slog.New(slog.DiscardHandler),
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "duckask",
		Short: "Ask questions about your data in plain language",
		Long: "duckask loads CSV, JSON, Parquet, DuckDB and SQLite files (or s3:// objects and\n" +
			"postgres:// databases) into DuckDB, asks a language model to write read-only SQL\n" +
			"for your question, checks it against the schema and runs it.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetIn(a.opts.Stdin)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&a.flags.configPath, "config", "", "path to a config.yaml file")
	flags.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.flags.model, "model", "", "model name for the OpenAI-compatible endpoint")
	flags.IntVar(&a.flags.maxRows, "max-rows", 0, "maximum rows returned per query")
	flags.IntVar(&a.flags.maxAttempts, "max-attempts", 0, "maximum SQL drafts per question")
	flags.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.BoolVar(&a.flags.noCache, "no-cache", false, "do not use the parquet conversion cache")

	root.AddCommand(
		a.queryCommand(),
		a.chatCommand(),
		a.schemaCommand(),
		a.authCommand(),
		a.cacheCommand(),
	)
	return root
}

// setup loads configuration, applies flag overrides and starts the optional
// metrics endpoint. It runs before every subcommand.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	lookup := a.opts.Lookup
	if path := strings.TrimSpace(a.flags.configPath); path != "" {
		base := lookup
		lookup = func(key string) (string, bool) {
			if key == "DUCKASK_CONFIG" {
				return path, true
			}
			return base(key)
		}
	}
	cfg, err := config.Load(auth.ServiceName, lookup)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		level, err := config.ParseLogLevel(a.flags.logLevel)
		if err != nil {
			return usageError{err: fmt.Errorf("invalid --log-level: %w", err)}
		}
		cfg.Observability.LogLevel = level
	}
	if flags.Changed("model") {
		cfg.AI.Model = strings.TrimSpace(a.flags.model)
	}
	if flags.Changed("max-rows") {
		cfg.Query.MaxRows = a.flags.maxRows
	}
	if flags.Changed("max-attempts") {
		cfg.AI.MaxAttempts = a.flags.maxAttempts
	}
	if flags.Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = strings.TrimSpace(a.flags.metricsAddr)
	}
	if a.flags.noCache {
		cfg.Cache.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return usageError{err: err}
	}

	a.cfg = cfg
	a.logger = observability.NewLogger(cfg, a.stderr)
	a.render = newRenderer(a.stdout, a.styled())

	if cfg.Observability.MetricsAddr != "" {
		addr, err := observability.ServeMetrics(cmd.Context(), cfg.Observability.MetricsAddr, a.logger)
		if err != nil {
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
		a.logger.Info("metrics endpoint ready", slog.String("url", "http://"+addr+"/metrics"))
	}
	return nil
}

func (a *app) styled() bool {
	if a.opts.Terminal != nil {
		return *a.opts.Terminal
	}
	f, ok := a.stdout.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// args wraps a cobra validator so that its failures count as usage errors.
func args(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := validate(cmd, a); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}
