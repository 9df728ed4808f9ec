// Package store is the sqlite persistence layer: pipeline run records, the
// persistent context backend, and vault-sealed model credentials.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/plumehq/plume/internal/config"
	_ "modernc.org/sqlite"
)

var (
	// ErrContextMissing is returned for reads/writes against a context id
	// that was never created or was already destroyed.
	ErrContextMissing = errors.New("context not found")
	// ErrVersionConflict is returned when an optimistic write carries a
	// stale expected version.
	ErrVersionConflict = errors.New("context version conflict")
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// database/sql applies Exec'd pragmas to a single pooled connection;
	// cap the pool at one so the pragmas below govern every statement and
	// concurrent writers queue instead of racing into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			mode         TEXT NOT NULL,
			status       TEXT DEFAULT 'created',
			config       TEXT NOT NULL,
			input        TEXT,
			results      TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, started_at)`,
		`CREATE TABLE IF NOT EXISTS contexts (
			id          TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			version     INTEGER NOT NULL DEFAULT 0,
			owner_agent TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS context_entries (
			context_id TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			PRIMARY KEY (context_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
