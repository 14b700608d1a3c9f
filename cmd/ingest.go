package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medicoaqui/medicoaqui/internal/app"
	"github.com/medicoaqui/medicoaqui/internal/config"
	"github.com/medicoaqui/medicoaqui/internal/knowledge"
)

var ingestGroup string

var ingestCmd = &cobra.Command{
	Use:   "ingest [arquivos...]",
	Short: "Ingere bulas na base de conhecimento",
	Long: `Divide cada arquivo de texto em trechos, gera embeddings e grava na
base vetorial. Reexecutar sobre os mesmos arquivos não duplica registros.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestGroup, "group", "",
		"nome do grupo de origem (padrão: nome do arquivo sem extensão)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
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

	a, err := app.SetupCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	chunker := knowledge.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)

	total := 0
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		group := ingestGroup
		if group == "" {
			group = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		stored, err := a.Knowledge.Ingest(ctx, chunker, knowledge.Document{
			SourceGroup: group,
			Content:     string(content),
			Metadata: map[string]any{
				"medicamento": group,
				"fileName":    filepath.Base(path),
			},
		})
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		total += stored
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d novos trechos\n", path, stored)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "total: %d trechos gravados\n", total)
	return nil
}
