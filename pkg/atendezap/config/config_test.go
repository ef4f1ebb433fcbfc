package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Address = ":9090"
	cfg.LLM.Model = "gpt-4o"
	cfg.Pipeline.Workers = 8
	cfg.Pipeline.PerMessageCost = 3
	cfg.Session.CodeExpiry = 2 * time.Minute

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Address != ":9090" {
		t.Errorf("address not round-tripped: %q", loaded.Server.Address)
	}
	if loaded.LLM.Model != "gpt-4o" {
		t.Errorf("model not round-tripped: %q", loaded.LLM.Model)
	}
	if loaded.Pipeline.Workers != 8 || loaded.Pipeline.PerMessageCost != 3 {
		t.Errorf("pipeline config not round-tripped: %+v", loaded.Pipeline)
	}
	if loaded.Session.CodeExpiry != 2*time.Minute {
		t.Errorf("session config not round-tripped: %+v", loaded.Session)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "server:\n  address: \":7070\"\n"
	if err := os.WriteFile(path, []byte(partial), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Address != ":7070" {
		t.Errorf("explicit value lost: %q", loaded.Server.Address)
	}
	if loaded.Pipeline.Workers != 5 {
		t.Errorf("expected default workers 5, got %d", loaded.Pipeline.Workers)
	}
	if loaded.Maintenance.JobRetentionDays != 14 {
		t.Errorf("expected default retention 14, got %d", loaded.Maintenance.JobRetentionDays)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("ATENDEZAP_AUTH_TOKEN", "env-token")
	t.Setenv("ATENDEZAP_API_KEY", "sk-from-env")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.AuthToken != "env-token" {
		t.Errorf("auth token env override lost: %q", loaded.Server.AuthToken)
	}
	// The keyring takes precedence when populated; with none available
	// in the test environment the env chain must win.
	if !strings.HasPrefix(loaded.LLM.APIKey, "sk-") {
		t.Errorf("api key not resolved from env: %q", loaded.LLM.APIKey)
	}
}

func TestDefaultPathOverride(t *testing.T) {
	t.Setenv("ATENDEZAP_CONFIG", "/tmp/custom.yaml")
	if got := DefaultPath(); got != "/tmp/custom.yaml" {
		t.Errorf("expected env override, got %q", got)
	}
}
