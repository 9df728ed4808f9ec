package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/plumehq/plume/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)

	cfg, _ := json.Marshal(map[string]any{"agents": []string{"research", "writing"}})
	run := &PipelineRun{
		ID:     "run-1",
		Name:   "article draft",
		Mode:   "hybrid",
		Status: "running",
		Config: cfg,
	}

	if err := s.SaveRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != "running" {
		t.Errorf("expected status 'running', got '%s'", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("expected no completed_at while running")
	}

	// Update to terminal status
	results, _ := json.Marshal([]map[string]string{{"agent": "research", "status": "succeeded"}})
	if err := s.UpdateRun("run-1", "completed", results); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, _ = s.GetRun("run-1")
	if got.Status != "completed" {
		t.Errorf("expected status 'completed', got '%s'", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at on terminal status")
	}
	if len(got.Results) == 0 {
		t.Error("expected results json")
	}

	// List
	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	// Not found
	got, err = s.GetRun("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent run")
	}
}

func TestContextVersioning(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateContext("ctx-1", "run-1"); err != nil {
		t.Fatalf("create context: %v", err)
	}

	rec, err := s.GetContext("ctx-1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if rec.Version != 0 {
		t.Errorf("expected fresh context at version 0, got %d", rec.Version)
	}

	// First write at version 0 succeeds
	v, err := s.WriteContextEntry("ctx-1", "research.findings", json.RawMessage(`"golang"`), 0, "research")
	if err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	// Stale write is rejected
	_, err = s.WriteContextEntry("ctx-1", "research.findings", json.RawMessage(`"stale"`), 0, "analysis")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// Read returns value + current version
	val, version, err := s.ReadContextEntry("ctx-1", "research.findings")
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(val) != `"golang"` {
		t.Errorf("expected stored value, got %s", val)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	// Unwritten key reads as nil with current version
	val, version, err = s.ReadContextEntry("ctx-1", "missing")
	if err != nil {
		t.Fatalf("read missing key: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value, got %s", val)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
}

func TestContextDestroy(t *testing.T) {
	s := newTestStore(t)

	_ = s.CreateContext("ctx-1", "run-1")
	if _, err := s.WriteContextEntry("ctx-1", "k", json.RawMessage(`1`), 0, "research"); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	if err := s.DestroyContext("ctx-1"); err != nil {
		t.Fatalf("destroy context: %v", err)
	}

	if _, err := s.GetContext("ctx-1"); !errors.Is(err, ErrContextMissing) {
		t.Fatalf("expected missing context, got %v", err)
	}
	if _, _, err := s.ReadContextEntry("ctx-1", "k"); !errors.Is(err, ErrContextMissing) {
		t.Fatalf("expected missing context on read, got %v", err)
	}
	if _, err := s.WriteContextEntry("ctx-1", "k", json.RawMessage(`2`), 1, "writing"); !errors.Is(err, ErrContextMissing) {
		t.Fatalf("expected missing context on write, got %v", err)
	}
	if err := s.DestroyContext("ctx-1"); !errors.Is(err, ErrContextMissing) {
		t.Fatalf("expected missing context on double destroy, got %v", err)
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "anthropic_api_key", Value: []byte{0x01, 0x02}, Nonce: []byte{0x03}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("anthropic_api_key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil {
		t.Fatal("expected secret, got nil")
	}
	if len(got.Value) != 2 || got.Value[0] != 0x01 {
		t.Error("unexpected ciphertext")
	}

	names, err := s.ListSecretNames()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(names) != 1 || names[0] != "anthropic_api_key" {
		t.Errorf("unexpected names %v", names)
	}

	if err := s.DeleteSecret("anthropic_api_key"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetSecret("anthropic_api_key")
	if got != nil {
		t.Error("expected nil after delete")
	}
}
