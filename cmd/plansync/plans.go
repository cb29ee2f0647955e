package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/collab"
)

var (
	planDescription string
	inviteRole      string
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage plans and their collaborators",
}

var plansCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a plan owned by you",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := a.Query.CreatePlan(cmd.Context(), args[0], planDescription)
		if err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		cmd.Printf("Created plan %q (%s)\n", plan.Title, plan.ID)
		return nil
	},
}

var plansListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the plans you own and the plans shared with you",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		owned, err := a.Query.OwnedPlans(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list plans: %w", err)
		}
		shared, err := a.Query.SharedPlans(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list shared plans: %w", err)
		}
		if len(owned) == 0 && len(shared) == 0 {
			cmd.Println("No plans")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TITLE\tACCESS\tCREATED\tID")
		for _, p := range owned {
			_, _ = fmt.Fprintf(w, "%s\towner\t%s\t%s\n", p.Title, p.CreatedAt.Format("2006-01-02"), p.ID)
		}
		for _, p := range shared {
			_, _ = fmt.Fprintf(w, "%s\tshared\t%s\t%s\n", p.Title, p.CreatedAt.Format("2006-01-02"), p.ID)
		}
		return w.Flush()
	},
}

var plansShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show one plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := a.Query.Plan(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load plan: %w", err)
		}
		cmd.Printf("%s (%s)\n", p.Title, p.ID)
		if p.Description != "" {
			cmd.Println(p.Description)
		}
		cmd.Printf("Owner: %s\n", p.OwnerID)
		return nil
	},
}

var plansInviteCmd = &cobra.Command{
	Use:   "invite <plan-id> <email>",
	Short: "Invite a registered user to a plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := collab.Role(inviteRole)
		if role != "" && !collab.IsValidInviteRole(role) {
			return fmt.Errorf("invalid role %q: must be one of editor, viewer, member", inviteRole)
		}

		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := a.Query.Invite(cmd.Context(), args[0], args[1], role)
		if err != nil {
			return fmt.Errorf("failed to invite %s: %w", args[1], err)
		}
		cmd.Printf("Invited %s (invitation %s)\n", args[1], resp.InvitationID)
		return nil
	},
}

var plansCollaboratorsCmd = &cobra.Command{
	Use:     "collaborators <plan-id>",
	Aliases: []string{"users"},
	Short:   "List a plan's collaborators and pending invitees",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := a.Query.Collaborators(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "USER\tEMAIL\tROLE\tSTATUS\tID")
		for _, c := range rows {
			username, email := "", ""
			if c.User != nil {
				username, email = c.User.Username, c.User.Email
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", username, email, c.Role, c.Status, c.UserID)
		}
		return w.Flush()
	},
}

var plansRoleCmd = &cobra.Command{
	Use:   "role <plan-id> <user-id> <role>",
	Short: "Change a collaborator's role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		c, err := a.Query.UpdateRole(cmd.Context(), args[0], args[1], collab.Role(args[2]))
		if err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		cmd.Printf("%s is now %s\n", c.UserID, c.Role)
		return nil
	},
}

var plansRemoveCmd = &cobra.Command{
	Use:   "remove <plan-id> <user-id>",
	Short: "Remove a collaborator or cancel a pending invitation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := a.Query.RemoveCollaborator(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove collaborator: %w", err)
		}
		cmd.Printf("Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	plansCreateCmd.Flags().StringVar(&planDescription, "description", "", "Plan description")
	plansInviteCmd.Flags().StringVar(&inviteRole, "role", "", "Role granted on acceptance (editor, viewer, member)")
	plansCmd.AddCommand(plansCreateCmd, plansListCmd, plansShowCmd, plansInviteCmd, plansCollaboratorsCmd, plansRoleCmd, plansRemoveCmd)
	rootCmd.AddCommand(plansCmd)
}
