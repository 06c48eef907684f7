package duckask

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/source"
)

func (a *app) queryCommand() *cobra.Command {
	var analyze bool
	cmd := &cobra.Command{
		Use:   "query LOCATION... QUESTION",
		Short: "Answer one question and exit",
		Example: "  duckask query orders.csv customers.csv \"top 5 customers by revenue\"\n" +
			"  duckask query s3://lake/exports/ \"orders per month in 2024\" --analyze",
		Args: args(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			locations, question := argv[:len(argv)-1], argv[len(argv)-1]
			manager, ds, err := a.openSession(ctx, locations, sessionOptions{analyze: analyze})
			if err != nil {
				return err
			}
			defer func() { _ = ds.Close() }()

			round, err := manager.Ask(ctx, question)
			if err != nil {
				return err
			}
			a.render.Round(round)
			if round.Failure != nil {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&analyze, "analyze", false, "explain the result in prose")
	return cmd
}

func (a *app) schemaCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "schema LOCATION...",
		Short: "Print the tables, columns and inferred relationships of a dataset",
		Args:  args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ds, desc, err := a.describe(ctx, argv)
			if err != nil {
				return err
			}
			defer func() { _ = ds.Close() }()

			if asJSON {
				encoded, err := json.MarshalIndent(desc, "", "  ")
				if err != nil {
					return fmt.Errorf("encode schema: %w", err)
				}
				_, _ = fmt.Fprintln(a.stdout, string(encoded))
				return nil
			}
			a.render.Schema(desc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the schema as JSON")
	return cmd
}

func (a *app) authCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the model API key stored in the OS keyring",
	}

	var key string
	login := &cobra.Command{
		Use:   "login",
		Short: "Store an API key (read from --key or stdin)",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			key = strings.TrimSpace(key)
			if key == "" {
				_, _ = fmt.Fprint(a.stderr, "API key: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && strings.TrimSpace(line) == "" {
					return usageError{err: errors.New("no API key given")}
				}
				key = strings.TrimSpace(line)
			}
			store, err := a.opts.OpenKeyring()
			if err != nil {
				return err
			}
			if err := store.SetAPIKey(key); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "stored API key %s in the OS keyring\n", auth.MaskKey(key))
			return nil
		},
	}
	login.Flags().StringVar(&key, "key", "", "API key to store")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key",
		Args:  args(cobra.NoArgs),
		RunE: func(*cobra.Command, []string) error {
			store, err := a.opts.OpenKeyring()
			if err != nil {
				return err
			}
			if err := store.DeleteAPIKey(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout, "removed the stored API key")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show which API key would be used",
		Args:  args(cobra.NoArgs),
		RunE: func(*cobra.Command, []string) error {
			key, from, err := auth.ResolveAPIKey(a.cfg.AI.APIKey, a.keySource())
			if errors.Is(err, auth.ErrNoAPIKey) {
				_, _ = fmt.Fprintln(a.stdout, "no API key configured")
				return exitError{code: 1}
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "API key %s (from %s)\nendpoint %s, model %s\n", auth.MaskKey(key), from, a.cfg.AI.BaseURL, a.cfg.AI.Model)
			return nil
		},
	}

	cmd.AddCommand(login, logout, status)
	return cmd
}

func (a *app) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the parquet conversion cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all cached parquet files",
		Args:  args(cobra.NoArgs),
		RunE: func(*cobra.Command, []string) error {
			if a.cfg.Cache.Dir == "" {
				_, _ = fmt.Fprintln(a.stdout, "no cache directory configured")
				return nil
			}
			removed, err := source.NewCache(a.cfg.Cache.Dir).Clear()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "removed %d cached %s from %s\n", removed, plural(removed, "file", "files"), a.cfg.Cache.Dir)
			return nil
		},
	})
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
