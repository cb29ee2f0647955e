package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  "View and update plansync configuration settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long:  "Display the current effective configuration including environment variable overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		realtimeURL := cfg.Realtime.URL
		if realtimeURL == "" {
			realtimeURL = "(server URL)"
		}

		cmd.Printf("Server:\n")
		cmd.Printf("  URL: %s\n", cfg.Server.URL)
		cmd.Printf("\n")
		cmd.Printf("Realtime:\n")
		cmd.Printf("  URL: %s\n", realtimeURL)
		cmd.Printf("  Reconnect: %s - %s\n", cfg.Realtime.ReconnectMin, cfg.Realtime.ReconnectMax)
		cmd.Printf("\n")
		cmd.Printf("Credentials:\n")
		cmd.Printf("  Backend: %s\n", cfg.Credentials.Backend)
		if cfg.Credentials.Backend == config.BackendSystem {
			cmd.Printf("  Poll interval: %s\n", cfg.Credentials.PollInterval)
		}
		if cfg.Credentials.Backend == config.BackendRedis {
			cmd.Printf("  Redis: %s (db %d)\n", cfg.Redis.Address, cfg.Redis.DB)
		}
		cmd.Printf("\n")
		cmd.Printf("HTTP:\n")
		cmd.Printf("  Timeout: %s\n", cfg.HTTP.Timeout)
		cmd.Printf("  Max retries: %d\n", cfg.HTTP.MaxRetries)
		cmd.Printf("  Circuit breaker: %t\n", cfg.Breaker.Enabled)
		cmd.Printf("\n")
		cmd.Printf("Cache:\n")
		cmd.Printf("  TTL: %s\n", cfg.Cache.TTL)
		cmd.Printf("\n")
		cmd.Printf("Logging:\n")
		cmd.Printf("  Level: %s\n", cfg.Logging.Level)

		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Update configuration value",
	Long:              "Update a configuration value in the config file. Example: plansync config set server.url https://plans.example.com",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: configKeyCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := args[1]

		// Load the file only so environment overrides are not persisted
		cfg, err := config.LoadFile(config.GetConfigPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		set, ok := configSetters[key]
		if !ok {
			if !strings.Contains(key, ".") {
				return fmt.Errorf("invalid key format. Expected format: section.field (e.g., server.url)")
			}
			return fmt.Errorf("unknown config key: %s", key)
		}
		if err := set(cfg, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}

		// Validate the updated config
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Save the config
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cmd.Printf("Updated %s to: %s\n", key, value)
		return nil
	},
}

type configSetter func(cfg *config.Config, value string) error

var configSetters = map[string]configSetter{
	"server.url":                func(c *config.Config, v string) error { c.Server.URL = v; return nil },
	"realtime.url":              func(c *config.Config, v string) error { c.Realtime.URL = v; return nil },
	"credentials.backend":       func(c *config.Config, v string) error { c.Credentials.Backend = v; return nil },
	"credentials.poll_interval": durationSetter(func(c *config.Config) *time.Duration { return &c.Credentials.PollInterval }),
	"redis.address":             func(c *config.Config, v string) error { c.Redis.Address = v; return nil },
	"redis.namespace":           func(c *config.Config, v string) error { c.Redis.Namespace = v; return nil },
	"http.timeout":              durationSetter(func(c *config.Config) *time.Duration { return &c.HTTP.Timeout }),
	"http.max_retries": func(c *config.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.HTTP.MaxRetries = n
		return nil
	},
	"breaker.enabled": func(c *config.Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Breaker.Enabled = b
		return nil
	},
	"cache.ttl":      durationSetter(func(c *config.Config) *time.Duration { return &c.Cache.TTL }),
	"logging.level":  func(c *config.Config, v string) error { c.Logging.Level = v; return nil },
	"logging.format": func(c *config.Config, v string) error { c.Logging.Format = v; return nil },
}

func durationSetter(field func(*config.Config) *time.Duration) configSetter {
	return func(c *config.Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configKeyCompletion provides tab completion for config keys
func configKeyCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	// If we already have the key argument, don't provide more completions
	if len(args) >= 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	validKeys := []string{
		"server.url\tCollaboration server URL",
		"realtime.url\tRealtime endpoint, defaults to the server URL",
		"credentials.backend\tCredential store (system, memory, redis)",
		"credentials.poll_interval\tHow often the system keychain is checked for other sessions",
		"redis.address\tRedis address for the redis credential store",
		"redis.namespace\tKey prefix in Redis",
		"http.timeout\tRequest timeout",
		"http.max_retries\tRetries for idempotent requests",
		"breaker.enabled\tCircuit breaker on/off",
		"cache.ttl\tQuery cache lifetime",
		"logging.level\tLogging level (debug, info, warn, error)",
		"logging.format\tLog format (console, json)",
	}

	return validKeys, cobra.ShellCompDirectiveNoFileComp
}
