package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/app"
	"github.com/mark-chris/plansync/internal/config"
)

const closeTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:          "plansync",
	Short:        "Collaborate on plans from the command line",
	Long:         "plansync signs in to a collaboration server, manages plan collaborators and follows invitations as they arrive.",
	SilenceUsage: true,
}

// keychainFactory allows injecting a shared in-memory keychain in tests
var keychainFactory = app.OpenKeychain

// openApp loads the configuration and wires a client. The returned cleanup
// must be called once the command is done.
func openApp(cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w\n\nRun 'plansync init' to create the configuration file", err)
	}
	if cfg.IsInsecure() {
		cmd.PrintErrf("Warning: %s is not using https; credentials are sent in the clear\n", cfg.Server.URL)
	}

	kc, closeKeychain, err := keychainFactory(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	a, err := app.New(cfg, app.Options{Keychain: kc})
	if err != nil {
		_ = closeKeychain()
		return nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = a.Close(ctx)
		_ = closeKeychain()
		_ = a.Logger.Sync()
	}
	return a, cleanup, nil
}
