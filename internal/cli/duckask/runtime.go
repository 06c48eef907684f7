package duckask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duckask/duckask/internal/auth"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/query/duckdb"
	"github.com/duckask/duckask/internal/schema"
	"github.com/duckask/duckask/internal/session"
	"github.com/duckask/duckask/internal/source"
	"github.com/duckask/duckask/internal/storage/s3"
)

func newOpenAIModel(cfg config.AIConfig, apiKey string, logger *slog.Logger) (nl2sql.Model, error) {
	return nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      apiKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
		Logger:      logger,
	})
}

// keySource returns the keyring store, or nil when no keyring is available.
func (a *app) keySource() auth.KeySource {
	store, err := a.opts.OpenKeyring()
	if err != nil {
		a.logger.Debug("keyring unavailable", slog.Any("error", err))
		return nil
	}
	return store
}

func (a *app) model() (nl2sql.Model, error) {
	key, from, err := auth.ResolveAPIKey(a.cfg.AI.APIKey, a.keySource())
	if err != nil {
		if errors.Is(err, auth.ErrNoAPIKey) {
			return nil, fmt.Errorf("%w: set DUCKASK_AI_API_KEY or OPENAI_API_KEY, or run 'duckask auth login'", err)
		}
		return nil, err
	}
	a.logger.Debug("api key resolved", slog.String("source", string(from)), slog.String("key", auth.MaskKey(key)))
	return a.opts.NewModel(a.cfg.AI, key, a.logger)
}

func (a *app) loader() *source.Loader {
	opts := source.Options{
		ObjectStores: s3.Opener(s3.Config{
			Endpoint:        a.cfg.ObjectStore.Endpoint,
			Region:          a.cfg.ObjectStore.Region,
			AccessKeyID:     a.cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: a.cfg.ObjectStore.SecretAccessKey,
			UseSSL:          a.cfg.ObjectStore.UseSSL,
		}),
		Logger: a.logger,
	}
	if a.cfg.Cache.Enabled {
		opts.Cache = source.NewCache(a.cfg.Cache.Dir)
	}
	return source.NewLoader(opts)
}

// describe loads the locations and introspects them. The caller closes the
// dataset.
func (a *app) describe(ctx context.Context, locations []string) (*source.Dataset, schema.Description, error) {
	ds, err := a.loader().Load(ctx, locations...)
	if err != nil {
		return nil, schema.Description{}, err
	}
	introspector := schema.NewIntrospector(ds.DB, a.logger, schema.Options{
		SampleLimit:   a.cfg.Query.SampleValues,
		MinConfidence: a.cfg.Query.RelationshipThreshold,
	})
	desc, err := introspector.Describe(ctx, ds.Tables)
	if err != nil {
		_ = ds.Close()
		return nil, schema.Description{}, fmt.Errorf("describe dataset: %w", err)
	}
	return ds, desc, nil
}

type sessionOptions struct {
	interactive bool
	analyze     bool
	observer    func(nl2sql.Transition)
}

func (a *app) openSession(ctx context.Context, locations []string, opts sessionOptions) (*session.Manager, *source.Dataset, error) {
	model, err := a.model()
	if err != nil {
		return nil, nil, err
	}
	ds, desc, err := a.describe(ctx, locations)
	if err != nil {
		return nil, nil, err
	}
	manager := session.NewManager(desc, model, duckdb.NewEngine(ds.DB), session.Options{
		Interactive: opts.interactive,
		Analyze:     opts.analyze || a.cfg.Query.Analyze,
		MaxAttempts: a.cfg.AI.MaxAttempts,
		RowLimit:    a.cfg.Query.MaxRows,
		Logger:      a.logger,
		Observer:    opts.observer,
	})
	return manager, ds, nil
}
