package main

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/session"
)

var (
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the collaboration server",
	Long:  "Login to the collaboration server and store the access token in the credential store.",
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Username")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (will prompt if not provided)")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	// Reset flags for reuse in tests
	defer func() {
		loginUsername = ""
		loginPassword = ""
	}()

	a, cleanup, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	// Prompt for username if not provided
	if loginUsername == "" {
		cmd.Print("Username: ")
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &loginUsername); err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}

	// Prompt for password if not provided
	if loginPassword == "" {
		cmd.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		cmd.Println() // newline after password
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		loginPassword = string(passwordBytes)
	}

	s, err := a.Sessions.Login(cmd.Context(), session.Credentials{
		Username: loginUsername,
		Password: loginPassword,
	})
	if err != nil {
		if errors.Is(err, apierr.ErrInvalidCredentials) {
			return fmt.Errorf("login failed: incorrect username or password")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	name := loginUsername
	if s.User != nil {
		name = s.User.Username
	}
	cmd.Printf("Logged in as %s. Token stored securely.\n", name)
	return nil
}
