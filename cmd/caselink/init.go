package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <endpoint> <token>",
	Short: "Store endpoint and token in ~/.caselink/config.toml",
	Long:  "Initialize the Caselink CLI by storing the service endpoint and auth token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Endpoint = endpoint
		cfg.Default.Token = token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
