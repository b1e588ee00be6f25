// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database with WAL and foreign keys, creates the schema

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS referral_links (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			code       TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       INTEGER NOT NULL UNIQUE,
			username      TEXT NOT NULL DEFAULT '',
			full_name     TEXT NOT NULL DEFAULT '',
			balance       INTEGER NOT NULL DEFAULT 0,
			is_admin      INTEGER NOT NULL DEFAULT 0,
			is_active     INTEGER NOT NULL DEFAULT 1,
			referrer_code TEXT REFERENCES referral_links(code),
			created_at    DATETIME NOT NULL,

			CHECK (balance >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_users_referrer ON users(referrer_code);

		CREATE TABLE IF NOT EXISTS payment_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL REFERENCES users(user_id),
			amount     INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_payments_user ON payment_history(user_id);

		CREATE TABLE IF NOT EXISTS projects (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active   INTEGER NOT NULL DEFAULT 1,

			CHECK (length(name) <= 50)
		);

		CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id);

		CREATE TABLE IF NOT EXISTS project_chats (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id  INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			chat_handle TEXT NOT NULL,
			chat_title  TEXT NOT NULL DEFAULT '',
			chat_type   TEXT NOT NULL DEFAULT '',
			invite_link TEXT NOT NULL DEFAULT '',
			keywords    TEXT NOT NULL DEFAULT '',
			is_active   INTEGER NOT NULL DEFAULT 1,

			UNIQUE (project_id, chat_handle)
		);

		CREATE INDEX IF NOT EXISTS idx_chats_project ON project_chats(project_id);

		CREATE TABLE IF NOT EXISTS tariff_plans (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			name                  TEXT NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			price                 INTEGER NOT NULL,
			max_projects          INTEGER NOT NULL,
			max_chats_per_project INTEGER NOT NULL,
			is_active             INTEGER NOT NULL DEFAULT 1,
			created_at            DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_tariffs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id        INTEGER NOT NULL UNIQUE REFERENCES users(user_id) ON DELETE CASCADE,
			tariff_plan_id INTEGER NOT NULL REFERENCES tariff_plans(id),
			start_date     DATETIME NOT NULL,
			end_date       DATETIME NOT NULL,
			is_active      INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_user_tariffs_active ON user_tariffs(is_active, end_date);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
