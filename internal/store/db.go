// Package store implements the Mapping Store: persistent state for users,
// encrypted account credentials, calendar attachments, event mappings,
// busy blocks, webhook channels, job locks, and alert history, backed by
// SQLite via database/sql.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrDatabaseInit = errors.New("database initialization failed")
	ErrLockHeld     = errors.New("lock already held")
)

// Store wraps a SQLite connection pool and exposes the Mapping Store's
// entity operations.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies
// pragmas, and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: mkdir: %w", ErrDatabaseInit, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: pragma %q: %w", ErrDatabaseInit, p, err)
		}
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: migrate: %w", ErrDatabaseInit, err)
	}

	_ = os.Chmod(path, 0o600) //nolint:errcheck // best-effort permission tightening

	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying *sql.DB for components (e.g. backup) that
// need to issue raw statements such as VACUUM INTO.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			main_calendar_id TEXT,
			sync_paused INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider_account_email TEXT NOT NULL,
			encrypted_refresh_token BLOB NOT NULL,
			encrypted_access_token BLOB,
			access_token_expiry DATETIME,
			scopes TEXT NOT NULL DEFAULT '',
			revoked_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_account ON credentials(user_id, provider_account_email)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			calendar_id TEXT NOT NULL,
			calendar_kind TEXT NOT NULL,
			color_id TEXT NOT NULL DEFAULT '',
			source_label TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			sync_token TEXT,
			last_synced_at DATETIME,
			disconnected_at DATETIME,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_user ON attachments(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attachments_calendar ON attachments(user_id, calendar_id)`,

		`CREATE TABLE IF NOT EXISTS event_mappings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			mapping_kind TEXT NOT NULL,
			origin_calendar_id TEXT NOT NULL,
			origin_event_id TEXT NOT NULL,
			origin_recurring_event_id TEXT,
			main_event_id TEXT,
			main_calendar_id TEXT,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_user ON event_mappings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_origin ON event_mappings(origin_calendar_id, origin_event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_main_event ON event_mappings(main_event_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_origin_unique ON event_mappings(user_id, origin_calendar_id, origin_event_id)`,

		`CREATE TABLE IF NOT EXISTS busy_blocks (
			id TEXT PRIMARY KEY,
			mapping_id TEXT NOT NULL REFERENCES event_mappings(id) ON DELETE CASCADE,
			calendar_id TEXT NOT NULL,
			block_event_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_busy_blocks_mapping ON busy_blocks(mapping_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_busy_blocks_unique ON busy_blocks(calendar_id, block_event_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_busy_blocks_mapping_calendar ON busy_blocks(mapping_id, calendar_id)`,

		`CREATE TABLE IF NOT EXISTS webhook_channels (
			id TEXT PRIMARY KEY,
			attachment_id TEXT NOT NULL REFERENCES attachments(id) ON DELETE CASCADE,
			channel_id TEXT NOT NULL UNIQUE,
			resource_id TEXT NOT NULL,
			channel_token TEXT NOT NULL DEFAULT '',
			calendar_type TEXT NOT NULL,
			expiration DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_channels_attachment ON webhook_channels(attachment_id)`,

		`CREATE TABLE IF NOT EXISTS job_locks (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS malformed_events (
			id TEXT PRIMARY KEY,
			attachment_id TEXT NOT NULL REFERENCES attachments(id) ON DELETE CASCADE,
			event_id TEXT NOT NULL,
			error_message TEXT NOT NULL,
			discovered_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_malformed_events_attachment ON malformed_events(attachment_id)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			alert_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_subject ON alerts(subject, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			if isDuplicateColumnError(err) {
				continue
			}
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// RetryOnBusy retries operation with exponential backoff (100ms, 200ms,
// 400ms, ... capped at 5s) while sqlite reports SQLITE_BUSY or "database
// is locked"; any other error returns immediately.
func RetryOnBusy(operation func() error, maxRetries int) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err
		if strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked") {
			backoff := time.Duration(100*(1<<i)) * time.Millisecond
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			time.Sleep(backoff)
			continue
		}
		return err
	}
	return lastErr
}
