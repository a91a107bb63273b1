// Package store provides SQLite persistence for accounts, settings and usage history.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store provides SQLite storage for aipulse
type Store struct {
	db  *sql.DB
	key []byte // AES-256 key for account credentials; nil stores plaintext
}

// Option configures a Store.
type Option func(*Store)

// WithEncryptionKey sets the key used to encrypt account credentials at rest.
// Use DeriveKey to obtain one from a user secret.
func WithEncryptionKey(key []byte) Option {
	return func(s *Store) {
		s.key = key
	}
}

// New creates a new Store with the given database path
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer; a second connection lets a reader proceed
	// while the poller writes. busy_timeout handles any contention.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.migrateSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			credentials TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history_entries (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			account_id TEXT NOT NULL,
			account_name TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			ts_unix_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS history_limits (
			entry_id TEXT NOT NULL REFERENCES history_entries(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			limit_id TEXT NOT NULL,
			utilization REAL NOT NULL,
			resets_at TEXT NOT NULL,
			PRIMARY KEY (entry_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_provider ON accounts(provider);
		CREATE INDEX IF NOT EXISTS idx_history_entries_ts ON history_entries(ts_unix_ms);
		CREATE INDEX IF NOT EXISTS idx_history_entries_provider_ts ON history_entries(provider, ts_unix_ms);
		CREATE INDEX IF NOT EXISTS idx_history_limits_limit ON history_limits(limit_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// migrateSchema handles schema migrations for existing databases
func (s *Store) migrateSchema() error {
	// account_name was added after the first history release.
	if _, err := s.db.Exec(`
		ALTER TABLE history_entries ADD COLUMN account_name TEXT NOT NULL DEFAULT ''
	`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("failed to add account_name to history_entries: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns the value for a setting key. Returns "" if not found.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.GetSetting: %w", err)
	}
	return value, nil
}

// SetSetting inserts or replaces a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("store.SetSetting: %w", err)
	}
	return nil
}
