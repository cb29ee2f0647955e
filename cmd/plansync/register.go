package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mark-chris/plansync/internal/api"
)

var (
	registerUsername string
	registerEmail    string
	registerPassword string
	registerFullName string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the collaboration server",
	Long:  "Create an account on the collaboration server. Run 'plansync login' afterwards to sign in.",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerUsername, "username", "", "Username")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address other users invite you by")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Password (will prompt if not provided)")
	registerCmd.Flags().StringVar(&registerFullName, "name", "", "Full name")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	defer func() {
		registerUsername, registerEmail, registerPassword, registerFullName = "", "", "", ""
	}()

	a, cleanup, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if registerPassword == "" {
		cmd.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		cmd.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		registerPassword = string(passwordBytes)
	}

	user, err := a.API.Register(cmd.Context(), api.RegisterRequest{
		Username: registerUsername,
		Email:    registerEmail,
		Password: registerPassword,
		FullName: registerFullName,
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	cmd.Printf("Registered %s <%s>. Run 'plansync login' to sign in.\n", user.Username, user.Email)
	return nil
}
