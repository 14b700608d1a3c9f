package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medicoaqui/medicoaqui/internal/app"
	"github.com/medicoaqui/medicoaqui/internal/bot"
	"github.com/medicoaqui/medicoaqui/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Inicia o bot do Telegram",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout,
	}, a.Agent, a.Catalog, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info("starting", "version", app.Version, "guardrails", cfg.Guardrails.Mode)
	return b.Run(ctx)
}
