package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/config"
)

var initServerURL string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Long:  "Create the plansync configuration file with default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		configDir := config.GetConfigDir()
		configPath := config.GetConfigPath()

		// Check if config already exists
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration already exists at %s\n\nTo reconfigure, either:\n  1. Edit the file directly, or\n  2. Delete it and run 'plansync init' again, or\n  3. Use 'plansync config set <key> <value>' to update specific values", configPath)
		}

		cfg := config.Default()
		if initServerURL != "" {
			cfg.Server.URL = initServerURL
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cmd.Printf("Configuration initialized at %s\n", configDir)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initServerURL, "server", "", "Collaboration server URL")
	rootCmd.AddCommand(initCmd)
}
