package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medicoaqui/medicoaqui/internal/app"
	"github.com/medicoaqui/medicoaqui/internal/config"
)

var askSession string

var askCmd = &cobra.Command{
	Use:   "ask <pergunta>",
	Short: "Faz uma pergunta pelo terminal",
	Long:  `Executa um turno completo da conversa sem passar pelo Telegram, útil para testes locais.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "cli:default", "chave da sessão de conversa")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AI.APIKey == "" {
		return config.ErrMissingGeminiKey
	}
	if err := cfg.Postgres.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.Agent.Ask(ctx, strings.Join(args, " "), askSession)
	if err != nil {
		a.Logger.Error("turn failed", "error", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), answer)
	return nil
}
