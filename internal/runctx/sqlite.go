package runctx

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plumehq/plume/internal/store"
)

// SQLiteStorage backs contexts with the sqlite store so run state survives
// a gateway restart for post-hoc inspection.
type SQLiteStorage struct {
	store *store.Store
}

func NewSQLiteStorage(s *store.Store) *SQLiteStorage {
	return &SQLiteStorage{store: s}
}

func (s *SQLiteStorage) Create(contextID, pipelineID string) error {
	return s.store.CreateContext(contextID, pipelineID)
}

func (s *SQLiteStorage) Read(contextID, key string) (json.RawMessage, int64, error) {
	value, version, err := s.store.ReadContextEntry(contextID, key)
	if err != nil {
		return nil, 0, translate(err)
	}
	return value, version, nil
}

func (s *SQLiteStorage) Write(contextID, key string, value json.RawMessage, expectedVersion int64, ownerAgentID string) (int64, error) {
	version, err := s.store.WriteContextEntry(contextID, key, value, expectedVersion, ownerAgentID)
	if err != nil {
		return version, translate(err)
	}
	return version, nil
}

func (s *SQLiteStorage) Metadata(contextID string) (*Metadata, error) {
	rec, err := s.store.GetContext(contextID)
	if err != nil {
		return nil, translate(err)
	}
	return &Metadata{
		ContextID:    rec.ID,
		PipelineID:   rec.PipelineID,
		Version:      rec.Version,
		OwnerAgentID: rec.OwnerAgent,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func (s *SQLiteStorage) Destroy(contextID string) error {
	return translate(s.store.DestroyContext(contextID))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrContextMissing):
		return fmt.Errorf("%w: %w", errMissing, err)
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%w: %w", errConflict, err)
	default:
		return err
	}
}
