package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var previewBot string

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show what a bot would post next, without writing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.orchestrator.Preview(ctx, previewBot)
		if err != nil {
			return err
		}

		out := os.Stdout
		fmt.Fprintf(out, "%s (%s)\n", p.Bot.Name, p.Bot.DisplayHandle())
		for _, src := range p.Sources {
			fmt.Fprintf(out, "  source %s: %s\n", src.URL, src.Message())
		}
		if len(p.Items) == 0 {
			fmt.Fprintln(out, "nothing new to post")
			return nil
		}
		for i, res := range p.Items {
			fmt.Fprintf(out, "\n%d. %s\n   %s\n   %s\n", i+1, res.Item.Title, res.Item.Link, res.Summary)
		}
		return nil
	},
}

func init() {
	previewCmd.Flags().StringVarP(&previewBot, "bot", "b", "", "Bot id, name or handle")
	_ = previewCmd.MarkFlagRequired("bot")
}
