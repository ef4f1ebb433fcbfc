// Package config defines the configuration for the AtendeZap daemon and
// loads it from YAML, environment variables and the OS keyring.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/atendezap/atendezap/pkg/atendezap/channels/whatsapp"
	"github.com/atendezap/atendezap/pkg/atendezap/llm"
	"github.com/atendezap/atendezap/pkg/atendezap/pipeline"
	"github.com/atendezap/atendezap/pkg/atendezap/responder"
	"github.com/atendezap/atendezap/pkg/atendezap/session"
	"github.com/atendezap/atendezap/pkg/atendezap/store"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Database configures SQLite storage.
	Database store.Config `yaml:"database"`

	// LLM configures the completion provider.
	LLM llm.Config `yaml:"llm"`

	// Responder configures reply generation.
	Responder responder.Config `yaml:"responder"`

	// Pipeline configures the message queue and billing.
	Pipeline pipeline.Config `yaml:"pipeline"`

	// Session configures the session manager.
	Session session.Config `yaml:"session"`

	// WhatsApp configures the per-agent WhatsApp sessions.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Maintenance configures the cron jobs.
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	// Address is the listen address (default :8086).
	Address string `yaml:"address"`

	// AuthToken protects the API. Empty disables auth (loopback
	// deployments only).
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MaintenanceConfig configures the scheduled jobs.
type MaintenanceConfig struct {
	// JobRetentionDays is how long finished queue jobs are kept.
	JobRetentionDays int `yaml:"job_retention_days"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:      ServerConfig{Address: ":8086"},
		Database:    store.DefaultConfig(),
		LLM:         llm.DefaultConfig(),
		Responder:   responder.DefaultConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Session:     session.DefaultConfig(),
		WhatsApp:    whatsapp.DefaultConfig(),
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Maintenance: MaintenanceConfig{JobRetentionDays: 14},
	}
}

// Load reads the config file, applies defaults and resolves secrets.
// A missing file is an error; run `atendezap setup` first.
func Load(path string) (*Config, error) {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.LLM.APIKey = resolveAPIKey(cfg.LLM.APIKey)
	if token := os.Getenv("ATENDEZAP_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	return cfg, nil
}

// Save writes the config file, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	if p := os.Getenv("ATENDEZAP_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".atendezap", "config.yaml")
}
