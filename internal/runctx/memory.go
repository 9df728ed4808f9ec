package runctx

import (
	"encoding/json"
	"sync"
	"time"
)

// MemoryStorage keeps contexts in process memory. The default backend:
// contexts live exactly as long as one pipeline run, so persistence buys
// nothing unless run inspection across restarts is wanted.
type MemoryStorage struct {
	mu       sync.RWMutex
	contexts map[string]*memContext
}

type memContext struct {
	pipelineID string
	version    int64
	owner      string
	updatedAt  time.Time
	entries    map[string]json.RawMessage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{contexts: make(map[string]*memContext)}
}

func (s *MemoryStorage) Create(contextID, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[contextID] = &memContext{
		pipelineID: pipelineID,
		updatedAt:  time.Now().UTC(),
		entries:    make(map[string]json.RawMessage),
	}
	return nil
}

func (s *MemoryStorage) Read(contextID, key string) (json.RawMessage, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.contexts[contextID]
	if !ok {
		return nil, 0, errMissing
	}
	return ctx.entries[key], ctx.version, nil
}

func (s *MemoryStorage) Write(contextID, key string, value json.RawMessage, expectedVersion int64, ownerAgentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[contextID]
	if !ok {
		return 0, errMissing
	}
	if ctx.version != expectedVersion {
		return ctx.version, errConflict
	}

	ctx.version++
	ctx.owner = ownerAgentID
	ctx.updatedAt = time.Now().UTC()
	ctx.entries[key] = value
	return ctx.version, nil
}

func (s *MemoryStorage) Metadata(contextID string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.contexts[contextID]
	if !ok {
		return nil, errMissing
	}
	return &Metadata{
		ContextID:    contextID,
		PipelineID:   ctx.pipelineID,
		Version:      ctx.version,
		OwnerAgentID: ctx.owner,
		UpdatedAt:    ctx.updatedAt,
	}, nil
}

func (s *MemoryStorage) Destroy(contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[contextID]; !ok {
		return errMissing
	}
	delete(s.contexts, contextID)
	return nil
}
