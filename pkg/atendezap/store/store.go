// Package store implements SQLite persistence for AtendeZap: agents,
// knowledge entries, conversations, messages, the credit ledger, daily
// analytics counters and the durable pipeline job queue.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite-specific configuration.
type Config struct {
	// Path is the database file path. ":memory:" opens an in-memory
	// database (used by tests).
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeoutMS is the busy handler timeout in milliseconds.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "./data/atendezap.db",
		JournalMode:   "WAL",
		BusyTimeoutMS: 5000,
	}
}

// Store wraps the SQLite database connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database, applies pragmas and runs the
// schema migration.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/atendezap.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeoutMS == 0 {
		cfg.BusyTimeoutMS = 5000
	}

	if cfg.Path != ":memory:" && !strings.HasPrefix(cfg.Path, "file:") {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeoutMS)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}

	// The queue signalling path and worker pool share this handle; a
	// single writer connection avoids SQLITE_BUSY storms under load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for collaborators that share the database
// (e.g. the whatsmeow session container).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies the schema (idempotent via IF NOT EXISTS) and records
// the schema version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if current < schemaVersion {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		s.logger.Info("schema migrated", "from", current, "to", schemaVersion)
	}
	return nil
}

// timeLayout keeps fractional seconds fixed-width so stored timestamps
// compare lexicographically in SQL (RFC3339Nano trims trailing zeros,
// which breaks string comparison for sub-second differences).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime serializes a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime is the inverse of formatTime; zero time on parse failure.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
