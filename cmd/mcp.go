package cmd

import (
	"context"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/medicoaqui/medicoaqui/internal/app"
	"github.com/medicoaqui/medicoaqui/internal/config"
	"github.com/medicoaqui/medicoaqui/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Executa o provedor de ferramentas MCP (stdio)",
	Long: `Executa o servidor de ferramentas sobre stdin/stdout. O orquestrador
inicia este subcomando automaticamente; ele também pode ser apontado para
outro cliente MCP.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// The provider needs the model backend and the knowledge base, but not
	// the chat transport.
	if cfg.AI.APIKey == "" {
		return config.ErrMissingGeminiKey
	}
	if err := cfg.Postgres.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.SetupCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := mcp.NewServer(mcp.ServerConfig{Name: "medicoaqui-tools", Version: app.Version},
		a.Knowledge, a.Validator, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info("tool provider listening on stdio")
	return server.Run(ctx, &sdk.StdioTransport{})
}
