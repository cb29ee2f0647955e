package main

import (
	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/api"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version number of plansync and the server API version it speaks",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("plansync version %s (api %s)\n", version, api.APIVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
