// Package runctx owns the shared mutable context of one pipeline run: a
// versioned key/value map agents read and write while the run is alive.
// Writes use optimistic concurrency — every writer supplies the version it
// read, and stale writers are rejected instead of blocking on a lock, so
// independent branches never serialize on context access.
//
// Agents hold context ids, never live context objects; every access goes
// through the Manager.
package runctx

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/plumehq/plume/internal/fault"
)

type StorageType string

const (
	StorageMemory     StorageType = "memory"
	StoragePersistent StorageType = "persistent"
)

var (
	errMissing  = errors.New("context not found")
	errConflict = errors.New("version conflict")
)

// Metadata describes a context without its entries.
type Metadata struct {
	ContextID    string      `json:"context_id"`
	PipelineID   string      `json:"pipeline_id"`
	Version      int64       `json:"version"`
	OwnerAgentID string      `json:"owner_agent_id,omitempty"`
	StorageType  StorageType `json:"storage_type"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Storage is the pluggable backend. Implementations report errMissing and
// errConflict; the Manager translates them into the fault taxonomy.
type Storage interface {
	Create(contextID, pipelineID string) error
	Read(contextID, key string) (value json.RawMessage, version int64, err error)
	Write(contextID, key string, value json.RawMessage, expectedVersion int64, ownerAgentID string) (newVersion int64, err error)
	Metadata(contextID string) (*Metadata, error)
	Destroy(contextID string) error
}

type Manager struct {
	storage     Storage
	storageType StorageType
}

func NewManager(storage Storage, storageType StorageType) *Manager {
	return &Manager{storage: storage, storageType: storageType}
}

// Create allocates a fresh context at version 0 for one pipeline run.
func (m *Manager) Create(pipelineID string) (string, error) {
	contextID := uuid.New().String()
	if err := m.storage.Create(contextID, pipelineID); err != nil {
		return "", fault.Wrap(fault.KindPipelineExecution, err, "create context for %s", pipelineID)
	}
	return contextID, nil
}

func (m *Manager) Read(contextID, key string) (json.RawMessage, int64, error) {
	value, version, err := m.storage.Read(contextID, key)
	if err != nil {
		return nil, 0, m.classify(err, contextID, key)
	}
	return value, version, nil
}

// Write bumps the context version only when expectedVersion matches the
// current one. A mismatch means another writer got there first; the caller
// must re-read and retry.
func (m *Manager) Write(contextID, key string, value json.RawMessage, expectedVersion int64, ownerAgentID string) (int64, error) {
	version, err := m.storage.Write(contextID, key, value, expectedVersion, ownerAgentID)
	if err != nil {
		return version, m.classify(err, contextID, key)
	}
	return version, nil
}

// Update runs a bounded read-modify-write loop for callers that do not care
// which version they start from, only that the final value is derived from
// the latest one.
func (m *Manager) Update(contextID, key, ownerAgentID string, attempts int, fn func(old json.RawMessage) (json.RawMessage, error)) (int64, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		old, version, err := m.Read(contextID, key)
		if err != nil {
			return 0, err
		}
		next, err := fn(old)
		if err != nil {
			return 0, err
		}
		newVersion, err := m.Write(contextID, key, next, version, ownerAgentID)
		if err == nil {
			return newVersion, nil
		}
		if !fault.Is(err, fault.KindContextCorruption) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func (m *Manager) Metadata(contextID string) (*Metadata, error) {
	meta, err := m.storage.Metadata(contextID)
	if err != nil {
		return nil, m.classify(err, contextID, "")
	}
	meta.StorageType = m.storageType
	return meta, nil
}

func (m *Manager) Destroy(contextID string) error {
	if err := m.storage.Destroy(contextID); err != nil {
		return m.classify(err, contextID, "")
	}
	return nil
}

// ReadString reads a key written with WriteString.
func (m *Manager) ReadString(contextID, key string) (string, int64, error) {
	raw, version, err := m.Read(contextID, key)
	if err != nil {
		return "", 0, err
	}
	if raw == nil {
		return "", version, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", 0, fault.Wrap(fault.KindContextCorruption, err, "context %s key %s is not a string", contextID, key)
	}
	return s, version, nil
}

func (m *Manager) WriteString(contextID, key, value string, expectedVersion int64, ownerAgentID string) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	return m.Write(contextID, key, raw, expectedVersion, ownerAgentID)
}

func (m *Manager) classify(err error, contextID, key string) error {
	switch {
	case errors.Is(err, errMissing):
		return fault.Wrap(fault.KindContextNotFound, err, "context %s", contextID)
	case errors.Is(err, errConflict):
		return fault.Wrap(fault.KindContextCorruption, err, "context %s key %s", contextID, key)
	default:
		return fault.Wrap(fault.KindPipelineExecution, err, "context %s access", contextID)
	}
}
