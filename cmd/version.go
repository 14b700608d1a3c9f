package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medicoaqui/medicoaqui/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Mostra a versão",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "medicoaqui %s\n", app.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
