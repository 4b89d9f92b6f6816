package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runBot    string
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every bot (or one) once and print the stats",
	Example: `  infobots run
  infobots run --bot newsbot --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, runDryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if runBot != "" {
			stats, err := a.orchestrator.RunByName(ctx, runBot, runDryRun)
			if err != nil {
				return err
			}
			return enc.Encode(stats)
		}
		return enc.Encode(a.orchestrator.RunAll(ctx, runDryRun))
	},
}

func init() {
	runCmd.Flags().StringVarP(&runBot, "bot", "b", "", "Run only this bot (id, name or handle)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Fetch and select without writing posts or ledger records")
}
