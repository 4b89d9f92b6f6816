package main

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/infobots/internal/config"
	"github.com/bryan-buckman/infobots/internal/database"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete ledger records older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		days := cleanupDays
		if days <= 0 {
			days = cfg.Scheduler.RetentionDays
		}
		n, err := a.orchestrator.Cleanup(ctx, days)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d ledger records older than %d days\n", n, days)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or update the user record of every configured bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := database.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		for _, b := range cfg.Identities() {
			if err := store.UpsertIdentity(ctx, b); err != nil {
				return fmt.Errorf("seed %s: %w", b.ID, err)
			}
			logger.Info("bot identity seeded", zap.String("id", b.ID), zap.String("handle", b.DisplayHandle()))
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and list the bots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		summarizer := "disabled"
		if cfg.Summarizer.Enabled {
			summarizer = cfg.Summarizer.Model
		}
		fmt.Printf("configuration ok: %d bots, mode %s, database %s, summarizer %s\n",
			len(cfg.Bots), cfg.Orchestrator.Mode, cfg.Database.Driver, summarizer)
		for _, b := range cfg.Identities() {
			fmt.Printf("  %-20s %-20s %-15s %d sources\n", b.ID, b.DisplayHandle(), b.Schedule, len(b.Sources))
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, fmt.Sprintf("Retention in days (default scheduler.retention_days, %d)", config.DefaultRetentionDays))
}
