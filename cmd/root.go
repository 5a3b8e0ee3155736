package cmd

import (
	"os"

	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dcd",
	Short: "Decent Cloud ledger node CLI",
	Long:  "Command line interface for running and managing a Decent Cloud marketplace ledger node.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
