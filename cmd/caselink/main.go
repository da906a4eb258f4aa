package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "caselink",
	Short: "Caselink SDK CLI",
	Long:  "Command-line interface for the Caselink conversation service.\nManage configuration, browse conversations, send messages, and watch streams.",
}

func main() {
	// .env overrides are optional; a missing file is not an error.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
