package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Bh3ky/price-atlas/internal/analysis"
	"github.com/Bh3ky/price-atlas/internal/pipeline"
	"github.com/Bh3ky/price-atlas/internal/scrape"
	"github.com/Bh3ky/price-atlas/internal/store"
	"github.com/Bh3ky/price-atlas/pkg/anthropic"
	"github.com/Bh3ky/price-atlas/pkg/oxylabs"
)

// initStore opens the configured store backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error

	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "", "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline wires the store, both provider gateways, and the
// orchestrator from config.
func initPipeline(ctx context.Context) (*pipeline.Pipeline, store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	var oxyOpts []oxylabs.Option
	if cfg.Oxylabs.BaseURL != "" {
		oxyOpts = append(oxyOpts, oxylabs.WithBaseURL(cfg.Oxylabs.BaseURL))
	}
	if cfg.Oxylabs.RatePerSec > 0 {
		oxyOpts = append(oxyOpts, oxylabs.WithRateLimit(cfg.Oxylabs.RatePerSec))
	}
	oxyClient := oxylabs.NewClient(cfg.Oxylabs.Username, cfg.Oxylabs.Password, oxyOpts...)
	scraper := scrape.NewOxylabsGateway(oxyClient, cfg.Discovery.Categories)

	llmClient := anthropic.NewClient(cfg.Anthropic.Key)
	analyzer := analysis.NewAnthropicAnalyzer(llmClient, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)

	return pipeline.New(cfg, st, scraper, analyzer), st, nil
}
