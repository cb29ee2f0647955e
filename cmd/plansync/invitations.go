package main

import (
	"github.com/spf13/cobra"
)

var invitationsCmd = &cobra.Command{
	Use:   "invitations",
	Short: "Respond to plan invitations",
}

var invitationsAcceptCmd = &cobra.Command{
	Use:   "accept <plan-id> <invitation-id>",
	Short: "Accept an invitation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(cmd, args[0], args[1], true)
	},
}

var invitationsRejectCmd = &cobra.Command{
	Use:   "reject <plan-id> <invitation-id>",
	Short: "Reject an invitation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(cmd, args[0], args[1], false)
	},
}

func init() {
	invitationsCmd.AddCommand(invitationsAcceptCmd)
	invitationsCmd.AddCommand(invitationsRejectCmd)
	rootCmd.AddCommand(invitationsCmd)
}

// respond reports an invitation that was resolved earlier as a success with
// its existing status.
func respond(cmd *cobra.Command, planID, invitationID string, accept bool) error {
	a, cleanup, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := a.Notify.Respond(cmd.Context(), planID, invitationID, accept)
	if err != nil {
		return err
	}

	if out.AlreadyTerminal {
		cmd.Printf("Invitation was already %s\n", out.Status)
		return nil
	}
	cmd.Printf("Invitation %s\n", out.Status)
	return nil
}
