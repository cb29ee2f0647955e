package main

import (
	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/apierr"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		user, err := a.Query.Profile(cmd.Context())
		if err != nil {
			return err
		}
		if user == nil {
			return apierr.ErrNotAuthenticated
		}

		cmd.Printf("%s <%s>\n", user.Username, user.Email)
		if user.FullName != "" {
			cmd.Printf("Name: %s\n", user.FullName)
		}
		cmd.Printf("ID: %s\n", user.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
