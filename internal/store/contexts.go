package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type ContextRecord struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Version    int64     `json:"version"`
	OwnerAgent string    `json:"owner_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Store) CreateContext(id, pipelineID string) error {
	_, err := s.db.Exec(`INSERT INTO contexts (id, pipeline_id) VALUES (?, ?)`, id, pipelineID)
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	return nil
}

func (s *Store) GetContext(id string) (*ContextRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, pipeline_id, version, owner_agent, created_at, updated_at
		FROM contexts WHERE id = ?`, id)

	r := &ContextRecord{}
	var owner sql.NullString
	err := row.Scan(&r.ID, &r.PipelineID, &r.Version, &owner, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrContextMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	r.OwnerAgent = owner.String
	return r, nil
}

// ReadContextEntry returns the entry value (nil when the key was never
// written) together with the context's current version.
func (s *Store) ReadContextEntry(contextID, key string) (json.RawMessage, int64, error) {
	rec, err := s.GetContext(contextID)
	if err != nil {
		return nil, 0, err
	}

	var value string
	err = s.db.QueryRow(`SELECT value FROM context_entries WHERE context_id = ? AND key = ?`,
		contextID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, rec.Version, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read context entry: %w", err)
	}
	return json.RawMessage(value), rec.Version, nil
}

// WriteContextEntry applies an optimistic write: it succeeds and bumps the
// context version only when expectedVersion matches the stored version.
// The version check and the entry upsert share one transaction so two
// concurrent writers can never both win the same version.
func (s *Store) WriteContextEntry(contextID, key string, value json.RawMessage, expectedVersion int64, ownerAgent string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(`SELECT version FROM contexts WHERE id = ?`, contextID).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, ErrContextMissing
	}
	if err != nil {
		return 0, fmt.Errorf("read context version: %w", err)
	}
	if current != expectedVersion {
		return current, ErrVersionConflict
	}

	next := current + 1
	if _, err := tx.Exec(`
		UPDATE contexts SET version = ?, owner_agent = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, next, ownerAgent, contextID); err != nil {
		return 0, fmt.Errorf("bump context version: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO context_entries (context_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(context_id, key) DO UPDATE SET value = excluded.value`,
		contextID, key, string(value)); err != nil {
		return 0, fmt.Errorf("upsert context entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Store) DestroyContext(id string) error {
	res, err := s.db.Exec(`DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("destroy context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContextMissing
	}
	// CASCADE is not always enabled; clear entries explicitly.
	_, _ = s.db.Exec(`DELETE FROM context_entries WHERE context_id = ?`, id)
	return nil
}
