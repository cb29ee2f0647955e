package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitCommand(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("PLANSYNC_HOME", configDir)

	got := mustExecute(t, "init")

	want := "Configuration initialized at " + configDir + "\n"
	if got != want {
		t.Errorf("init command output:\ngot:  %q\nwant: %q", got, want)
	}

	// Verify config file contents
	configPath := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		t.Fatalf("failed to parse config file: %v", err)
	}

	server, ok := config["server"].(map[string]interface{})
	if !ok {
		t.Fatal("server section not found in config")
	}
	if server["url"] != "http://localhost:8080" {
		t.Errorf("expected server.url to be http://localhost:8080, got %v", server["url"])
	}

	credentials, ok := config["credentials"].(map[string]interface{})
	if !ok {
		t.Fatal("credentials section not found in config")
	}
	if credentials["backend"] != "system" {
		t.Errorf("expected credentials.backend to be system, got %v", credentials["backend"])
	}

	logging, ok := config["logging"].(map[string]interface{})
	if !ok {
		t.Fatal("logging section not found in config")
	}
	if logging["level"] != "info" {
		t.Errorf("expected logging.level to be info, got %v", logging["level"])
	}
}

func TestInitCommand_ServerFlag(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("PLANSYNC_HOME", configDir)

	mustExecute(t, "init", "--server", "https://plans.example.com")

	data, err := os.ReadFile(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), "https://plans.example.com") {
		t.Errorf("expected server URL in config, got:\n%s", data)
	}
}

func TestInitCommand_InvalidServer(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("PLANSYNC_HOME", configDir)

	if _, err := execute(t, "init", "--server", "ftp://plans.example.com"); err == nil {
		t.Fatal("init should reject a non-http server URL")
	}
	if _, err := os.Stat(filepath.Join(configDir, "config.yaml")); !os.IsNotExist(err) {
		t.Errorf("config file should not be written, stat err = %v", err)
	}
}

func TestInitCommand_AlreadyExists(t *testing.T) {
	configPath := writeConfig(t, "test: data\n")

	_, err := execute(t, "init")
	if err == nil {
		t.Fatal("init command should have failed when config already exists")
	}

	// Verify error message contains the key information
	if got := err.Error(); !strings.Contains(got, "configuration already exists at "+configPath) {
		t.Errorf("expected error about existing config, got: %s", got)
	}
	// Verify error includes helpful guidance
	if got := err.Error(); !strings.Contains(got, "To reconfigure") {
		t.Errorf("expected error to include guidance, got: %s", got)
	}
}
