package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/config"
	"github.com/mark-chris/plansync/internal/devserver"
	"github.com/mark-chris/plansync/internal/devserver/auth"
	"github.com/mark-chris/plansync/internal/logging"
)

var (
	serveAddr     string
	serveUsers    []string
	serveOrigins  []string
	serveTokenTTL time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development collaboration server",
	Long: `Run an in-memory collaboration server for local development.

Users are seeded with --user username:email:password[:full name] or the
comma-separated PLANSYNC_SEED_USERS variable. PLANSYNC_JWT_SECRET signs
access tokens; with PLANSYNC_ENV=development a built-in secret is used when
none is set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "Listen address")
	serveCmd.Flags().StringArrayVar(&serveUsers, "user", nil, "Seed user as username:email:password[:full name] (repeatable)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allowed-origin", nil, "Allowed CORS and websocket origins")
	serveCmd.Flags().DurationVar(&serveTokenTTL, "token-ttl", auth.DefaultTokenTTL, "Access token lifetime")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	seeds, err := parseSeeds(serveUsers, os.Getenv("PLANSYNC_SEED_USERS"))
	if err != nil {
		return err
	}

	isDev := auth.IsDevelopmentMode()
	secret := os.Getenv("PLANSYNC_JWT_SECRET")
	if secret == "" && isDev {
		secret = auth.DevSecret
	}

	srv, err := devserver.New(devserver.Config{
		Secret:         secret,
		Development:    isDev,
		TokenTTL:       serveTokenTTL,
		Users:          seeds,
		AllowedOrigins: serveOrigins,
	}, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	l, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", serveAddr, err)
	}

	mode := "production"
	if isDev {
		mode = "development"
	}
	logger.Info("collaboration server starting",
		zap.String("mode", mode),
		zap.Int("users", len(seeds)),
		zap.String("version", devserver.Version))
	cmd.Printf("Serving on http://%s\n", l.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx, l)
}

// parseSeeds merges flag and environment seeds.
func parseSeeds(flags []string, env string) ([]auth.Seed, error) {
	raw := append([]string(nil), flags...)
	for _, s := range strings.Split(env, ",") {
		if s = strings.TrimSpace(s); s != "" {
			raw = append(raw, s)
		}
	}

	seeds := make([]auth.Seed, 0, len(raw))
	for _, s := range raw {
		seed, err := auth.ParseSeed(s)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}
