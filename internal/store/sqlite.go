// ABOUTME: SQLite implementation of the Store interfaces using modernc.org/sqlite
// ABOUTME: Schema creation, nonce claims, and agent state persistence

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so text comparison matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nonces (
			nonce      BLOB PRIMARY KEY,
			seen_at    INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_nonces_expires ON nonces(expires_at);

		CREATE TABLE IF NOT EXISTS delegated_permissions (
			action_type TEXT PRIMARY KEY,
			record      BLOB NOT NULL,
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bond_revocations (
			bond_id    TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			reason     TEXT NOT NULL,
			revoked_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bond_revocations_agent ON bond_revocations(agent_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			ts          TEXT NOT NULL,
			level       TEXT NOT NULL,
			event       TEXT NOT NULL,
			component   TEXT NOT NULL DEFAULT '',
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event);

		CREATE TABLE IF NOT EXISTS agent_state (
			agent_id   TEXT PRIMARY KEY,
			state      BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS webauthn_credentials (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			credential_id    BLOB UNIQUE NOT NULL,
			public_key       BLOB NOT NULL,
			attestation_type TEXT,
			transports       TEXT,
			sign_count       INTEGER DEFAULT 0,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_webauthn_user ON webauthn_credentials(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "webauthn_credentials",
			column: "flags",
			apply:  `ALTER TABLE webauthn_credentials ADD COLUMN flags INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// ClaimNonce inserts nonce if no live claim exists. An expired claim for the
// same nonce is overwritten. The single statement makes the check and the
// insert atomic across connections.
func (s *SQLiteStore) ClaimNonce(ctx context.Context, nonce []byte, seenAt, expiresAt time.Time) (bool, error) {
	query := `
		INSERT INTO nonces (nonce, seen_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(nonce) DO UPDATE
			SET seen_at = excluded.seen_at, expires_at = excluded.expires_at
			WHERE nonces.expires_at <= excluded.seen_at
	`

	res, err := s.db.ExecContext(ctx, query, nonce, seenAt.UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claiming nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming nonce: %w", err)
	}
	return n == 1, nil
}

// PruneNonces deletes claims whose expiry is before the given time.
func (s *SQLiteStore) PruneNonces(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning nonces: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned nonces", "count", n)
	}
	return n, nil
}

// SaveAgentState saves or updates agent state.
// Uses INSERT OR REPLACE to handle both insert and update cases.
func (s *SQLiteStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	query := `
		INSERT OR REPLACE INTO agent_state (agent_id, state, updated_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, agentID, state, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving agent state: %w", err)
	}

	s.logger.Debug("saved agent state", "agent_id", agentID, "size", len(state))
	return nil
}

// GetAgentState retrieves agent state.
// Returns ErrNotFound if the agent has no saved state.
func (s *SQLiteStore) GetAgentState(ctx context.Context, agentID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM agent_state WHERE agent_id = ?`, agentID).Scan(&state)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent state: %w", err)
	}

	return state, nil
}

var _ Store = (*SQLiteStore)(nil)
