package main

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/infobots/internal/bot"
	"github.com/bryan-buckman/infobots/internal/config"
	"github.com/bryan-buckman/infobots/internal/database"
	"github.com/bryan-buckman/infobots/internal/ledger"
	"github.com/bryan-buckman/infobots/internal/publish"
	"github.com/bryan-buckman/infobots/internal/rss"
	"github.com/bryan-buckman/infobots/internal/summarize"
	"go.uber.org/zap"
)

// app holds the wired pipeline shared by every command.
type app struct {
	cfg          *config.Config
	store        database.Store
	orchestrator *bot.Orchestrator
}

// loadConfig reads the configuration and swaps the logger for one built from
// its logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	l, err := newLogger(cfg.Logging.Format, cfg.Logging.Level, verbose)
	if err != nil {
		return nil, err
	}
	_ = logger.Sync()
	logger = l
	return cfg, nil
}

// newApp opens the store and builds the pipeline from cfg.
func newApp(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	store, err := database.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("database opened", zap.String("type", store.DatabaseType()))

	fetcher := rss.NewFetcher(rss.Options{
		Timeout:     cfg.FetchTimeout(),
		Window:      cfg.FetchWindow(),
		Concurrency: cfg.Fetch.Concurrency,
		UserAgent:   cfg.Fetch.UserAgent,
		DomainDelay: rss.DelayBetweenDomainRequests,
	}, logger.Named("rss"))

	l := ledger.New(store, logger.Named("ledger"))

	var summarizer bot.Summarizer
	if cfg.Summarizer.Enabled {
		gen, err := summarize.NewGeminiGenerator(ctx, cfg.Summarizer.APIKey, cfg.Summarizer.Model)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("summarizer: %w", err)
		}
		summarizer = summarize.New(gen, summarize.Options{
			MaxLength:    cfg.Summarizer.MaxLength,
			MaxTokens:    int32(cfg.Summarizer.MaxTokens),
			Delay:        cfg.SummarizerDelay(),
			Attempts:     cfg.Summarizer.MaxRetries + 1,
			RetryBackoff: cfg.RetryBackoff(),
		}, logger.Named("summarize"))
	}

	dryRun = dryRun || cfg.Publisher.DryRun
	pub := publish.New(store, publish.Options{
		DryRun:      dryRun,
		Delay:       cfg.PublishDelay(),
		SourceLabel: cfg.Publisher.SourceLabel,
	}, logger.Named("publish"))

	orch := bot.New(cfg.Identities(), fetcher, l, summarizer, pub, bot.Options{
		Mode:     cfg.Orchestrator.Mode,
		BotPause: cfg.BotPause(),
		DryRun:   dryRun,
	}, logger.Named("bot"))

	return &app{cfg: cfg, store: store, orchestrator: orch}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
