package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mark-chris/plansync/internal/config"
	"github.com/mark-chris/plansync/internal/keychain"
)

// syncBuffer is written from the notification goroutine while the test
// reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupCLI points the CLI at a fresh config directory and serverURL, with a
// shared in-memory credential store.
func setupCLI(t *testing.T, serverURL string) (string, *keychain.MemoryKeychain) {
	t.Helper()
	configDir := t.TempDir()
	t.Setenv("PLANSYNC_HOME", configDir)
	t.Setenv("PLANSYNC_SERVER_URL", serverURL)
	t.Setenv("PLANSYNC_HTTP_MAX_RETRIES", "0")
	t.Setenv("PLANSYNC_LOG_LEVEL", "error")

	kc := keychain.NewMemoryKeychain()
	origFactory := keychainFactory
	keychainFactory = func(*config.Config) (keychain.Keychain, func() error, error) {
		return kc, func() error { return nil }, nil
	}
	t.Cleanup(func() {
		keychainFactory = origFactory
	})
	return configDir, kc
}

// writeConfig writes a config file into a fresh PLANSYNC_HOME.
func writeConfig(t *testing.T, configYAML string) string {
	t.Helper()
	configDir := t.TempDir()
	t.Setenv("PLANSYNC_HOME", configDir)
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	err := executeContext(context.Background(), out, args...)
	return out.String(), err
}

// executeContext runs the root command and restores every flag to its
// default afterwards so runs do not leak into each other.
func executeContext(ctx context.Context, out *syncBuffer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	defer resetCommand(rootCmd)
	return rootCmd.ExecuteContext(ctx)
}

func resetCommand(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	// cobra hands a parent's context to a child only when the child has none
	c.SetContext(nil) //nolint:staticcheck
	for _, sub := range c.Commands() {
		resetCommand(sub)
	}
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("plansync %s failed: %v\noutput:\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// parenthesized returns the text inside the last pair of parentheses.
func parenthesized(t *testing.T, s string) string {
	t.Helper()
	open := strings.LastIndex(s, "(")
	end := strings.LastIndex(s, ")")
	if open < 0 || end < open {
		t.Fatalf("no parenthesized id in %q", s)
	}
	return strings.TrimPrefix(s[open+1:end], "invitation ")
}
