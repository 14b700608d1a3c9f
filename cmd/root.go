// Package cmd holds the CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "medicoaqui",
	Short: "MédicoAqui - assistente de receituários médicos",
	Long: `MédicoAqui é um assistente conversacional para dúvidas sobre
receituários e medicamentos, com base de conhecimento ANVISA.

Sem argumentos, inicia o bot do Telegram (equivalente a "medicoaqui serve").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
